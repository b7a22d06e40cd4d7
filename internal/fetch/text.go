package fetch

import (
	"fmt"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

// crlfToLF turns the network line endings of an ASCII transfer into LF.
type crlfToLF struct{ transform.NopResetter }

func (crlfToLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 == len(src) {
				if !atEOF {
					return nDst, nSrc, transform.ErrShortSrc
				}
			} else if src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// asciiTransformer returns the translation applied to ASCII mode transfers:
// charset decoding to UTF-8 for non UTF-8 servers, then CRLF to LF.
func asciiTransformer(encodingName string) (transform.Transformer, error) {
	cfg := remote.ConnConfig{Encoding: encodingName}
	if cfg.IsUTF8() {
		return crlfToLF{}, nil
	}
	enc, err := ianaindex.IANA.Encoding(encodingName)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", encodingName)
	}
	return transform.Chain(enc.NewDecoder(), crlfToLF{}), nil
}
