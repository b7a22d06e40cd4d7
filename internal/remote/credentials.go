package remote

// Credentials holds a password that is wiped once the session is done with it.
type Credentials struct {
	password []byte
}

// NewCredentials copies password so the caller may wipe its own buffer.
func NewCredentials(password []byte) *Credentials {
	passwordCopy := make([]byte, len(password))
	copy(passwordCopy, password)
	return &Credentials{password: passwordCopy}
}

// Password returns the password as a string. Empty once cleared.
func (c *Credentials) Password() string {
	if c == nil {
		return ""
	}
	return string(c.password)
}

// Clone returns an independent copy, so one session closing does not wipe
// the password another session still needs.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	return NewCredentials(c.password)
}

func (c *Credentials) Clear() {
	if c == nil {
		return
	}
	SecureWipe(c.password)
	c.password = nil
}

// SecureWipe overwrites data with zeros.
func SecureWipe(data []byte) {
	if data == nil {
		return
	}
	for i := range data {
		data[i] = 0
	}
}
