// Command ftpspoll polls FTPS (or SFTP) servers and moves new files into
// local directories.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yarkm13/ftpspoll/internal/config"
	"github.com/yarkm13/ftpspoll/internal/logger"
	"github.com/yarkm13/ftpspoll/internal/poll"
	"github.com/yarkm13/ftpspoll/internal/remote"
	"github.com/yarkm13/ftpspoll/internal/scheduler"
	"github.com/yarkm13/ftpspoll/internal/sink"
	"github.com/yarkm13/ftpspoll/internal/tracker"
)

func main() {
	configFlag := flag.String("config", "", "Path to the YAML configuration")
	urlFlag := flag.String("url", "", "Source URL (ftps://, ftpes:// or sftp://), instead of -config")
	targetFlag := flag.String("target-dir", "", "Target directory, with -url")
	stateFlag := flag.String("state-file", "", "Seen-file snapshot, with -url")
	onceFlag := flag.Bool("once", false, "Run one poll cycle per poller and exit")
	flag.Parse()

	cfg, urlPassword, err := loadConfig(*configFlag, *urlFlag, *targetFlag, *stateFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftpspoll: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "ftpspoll: logging: %v\n", err)
		os.Exit(2)
	}
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := 0
	if err := run(ctx, cfg, urlPassword, *onceFlag); err != nil {
		log.Error().Err(err).Msg("exiting")
		code = 1
	}
	stop()
	remote.SecureWipe(urlPassword)
	os.Exit(code)
}

// loadConfig reads -config or builds a single poller from -url. A password
// embedded in the URL is returned separately and removed from the URL.
func loadConfig(configFile, rawURL, targetDir, stateFile string) (*config.Config, []byte, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		return cfg, nil, err
	}
	if rawURL == "" || targetDir == "" {
		return nil, nil, errors.New("missing required parameters: -config, or -url and -target-dir")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL: %w", err)
	}
	var password []byte
	if pass, ok := u.User.Password(); ok {
		password = []byte(pass)
		u.User = url.User(u.User.Username())
	}

	p := config.DefaultPoller()
	p.URL = u.String()
	p.LocalDir = targetDir
	p.StateFile = stateFile
	cfg := &config.Config{Pollers: []config.Poller{p}}
	if err := cfg.Resolve(); err != nil {
		remote.SecureWipe(password)
		return nil, nil, err
	}
	return cfg, password, nil
}

func run(ctx context.Context, cfg *config.Config, urlPassword []byte, once bool) error {
	log := logger.WithComponent("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := poll.NewMetrics(reg)

	var pollers []*poll.Poller
	byName := map[string]*poll.Poller{}
	stateFiles := map[string]string{}
	for _, pc := range cfg.Pollers {
		p, err := buildPoller(pc, urlPassword, metrics)
		if err != nil {
			return fmt.Errorf("poller %s: %w", pc.Name, err)
		}
		pollers = append(pollers, p)
		byName[p.Name()] = p
		stateFiles[p.Name()] = pc.StateFile
	}

	runner := poll.NewRunner(logger.WithComponent("runner"), pollers...)
	defer runner.Close()
	runner.OnSummary = func(sum *poll.Summary) {
		stateFile := stateFiles[sum.Poller]
		if stateFile == "" {
			return
		}
		if err := byName[sum.Poller].Tracker().SaveSnapshot(stateFile); err != nil {
			log.Error().Err(err).Str("poller", sum.Poller).Msg("cannot save seen-file snapshot")
		}
	}

	if once {
		var result *multierror.Error
		for _, sum := range runner.RunOnce(ctx) {
			if sum != nil && sum.Err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", sum.Poller, sum.Err))
			}
		}
		return result.ErrorOrNil()
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// A fatal error (credentials, TLS, config) stops that poller until restart.
	halted := map[string]*atomic.Bool{}
	for _, p := range pollers {
		halted[p.Name()] = &atomic.Bool{}
	}
	checkFatal := func(sum *poll.Summary) {
		if sum != nil && sum.Err != nil && remote.KindOf(sum.Err) == remote.KindFatal {
			halted[sum.Poller].Store(true)
			log.Error().Err(sum.Err).Str("poller", sum.Poller).Msg("fatal error, polling stopped until restart")
		}
	}

	sched := scheduler.New(logger.WithComponent("scheduler"))
	for i, p := range pollers {
		err := sched.Add(ctx, scheduler.Job{
			Name:     p.Name(),
			Interval: time.Duration(cfg.Pollers[i].Poll.PollingInterval),
			Run: func(ctx context.Context) {
				if halted[p.Name()].Load() {
					return
				}
				sum, err := p.Poll(ctx)
				if errors.Is(err, poll.ErrBusy) {
					return
				}
				runner.OnSummary(sum)
				checkFatal(sum)
			},
		})
		if err != nil {
			return err
		}
	}

	// First cycle right away, then on schedule.
	for _, sum := range runner.RunOnce(ctx) {
		checkFatal(sum)
	}
	sched.Start()
	<-ctx.Done()
	sched.Stop()
	return nil
}

func buildPoller(pc config.Poller, urlPassword []byte, metrics *poll.Metrics) (*poll.Poller, error) {
	log := logger.WithComponent("poller").With().Str("remote", pc.Name).Logger()

	conn := pc.ConnConfig()
	if conn.Credentials == nil {
		if urlPassword != nil {
			conn.Credentials = remote.NewCredentials(urlPassword)
		} else {
			password, err := askPassword(fmt.Sprintf("Enter password for %s@%s: ", conn.Username, conn.Host))
			if err != nil {
				return nil, err
			}
			conn.Credentials = remote.NewCredentials(password)
			remote.SecureWipe(password)
		}
	}

	opener := remote.OpenerFor(pc.SchemeURL(), log)
	if opener == nil {
		return nil, fmt.Errorf("no connector available for scheme: %s", pc.Connection.Protocol)
	}

	pollCfg, err := pc.PollConfig(conn)
	if err != nil {
		return nil, err
	}

	dir := sink.NewDir(pc.LocalDir, pc.Poll.Root)
	opts := []poll.Option{poll.WithLogger(log), poll.WithMetrics(metrics)}
	if pc.StateFile != "" {
		tr, err := loadTracker(pc.StateFile)
		if err != nil {
			return nil, err
		}
		log.Info().Int("records", tr.Len()).Str("state_file", pc.StateFile).Msg("seen-file snapshot loaded")
		opts = append(opts, poll.WithTracker(tr))
	}
	return poll.New(pc.Name, opener, pollCfg, dir, opts...)
}

func loadTracker(stateFile string) (*tracker.Tracker, error) {
	tr := tracker.New()
	if err := tr.LoadSnapshot(stateFile); err != nil {
		return nil, err
	}
	return tr, nil
}
