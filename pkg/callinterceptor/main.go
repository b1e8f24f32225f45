package callinterceptor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rglonek/logger"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"sip-call-interceptor/pkg/blockstore"
	"sip-call-interceptor/pkg/spamoracle"
)

type callInterceptor struct {
	ctx         context.Context
	config      *Config
	log         *logger.Logger
	store       *blockstore.Store
	importer    *listImporter
	audit       *auditFiles
	stats       *stats
	interceptor *Interceptor
	normalize   func(string) string
	closers     []func()
}

func Run(config *Config, log *logger.Logger) error {
	// if config is nil, return an error
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ci := &callInterceptor{
		ctx:    ctx,
		config: config,
	}
	defer ci.close()
	if config.NormalizeNumbers {
		ci.normalize = newNumberNormalizer(config.CountryCode).normalize
	}

	// initialize the logger
	ci.initSetLogger(log)
	log = ci.log

	// patch zerolog to use the logger
	ci.initPatchZerolog()

	// initialize the stats system
	ci.initStats()

	// open the block list store and import the list files
	log.Info("Opening block list store %s", config.BlockList.StorePath)
	if err := ci.initBlockList(); err != nil {
		return err
	}

	// open the audit files
	log.Info("Opening audit files")
	ci.audit = newAuditFiles(config.AuditFiles, log)
	if err := ci.audit.reopen(); err != nil {
		return err
	}
	ci.closers = append(ci.closers, ci.audit.close)

	// build the spam oracle chain
	log.Info("Configuring spam oracles")
	oracle, err := ci.initOracle()
	if err != nil {
		return err
	}

	opts := []InterceptorOption{
		WithAllowList(ci.importer.isAllowed),
		WithObserver(ci.audit.record),
		withStats(ci.stats),
	}
	if ci.normalize != nil {
		opts = append(opts, WithNormalizer(ci.normalize))
	}
	ci.interceptor = NewInterceptor(ci.store, oracle, log, opts...)

	// start the admin api
	exiter := make(chan error, 2)
	if config.Admin.ListenAddr != "" {
		ci.initAdminAPI(exiter)
	}

	// create a new sip userAgent
	log.Info("Creating new userAgent")
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(config.SIP.UserAgent))
	if err != nil {
		return err
	}

	// create a new sip client
	log.Info("Creating new client")
	client, err := sipgo.NewClient(ua, sipgo.WithClientAddr(config.LocalAddr))
	if err != nil {
		return err
	}

	// initialize the signal handlers
	ci.initSignalHandlers(client, ua, exiter)

	// create a new call handler
	log.Info("Creating new call handler")
	dg := diago.NewDiago(ua, diago.WithClient(client))

	// start the call handler
	log.Info("Starting call handler")
	go func() {
		err := dg.Serve(ctx, ci.callHandler)
		if err != nil {
			log.Critical("Serve failed: %v", err)
		}
	}()

	// register with the SIP server
	go func() {
		log.Info("Registering with SIP server")
		err := dg.Register(ctx, sip.Uri{
			Scheme:   "sip",
			User:     config.SIP.User,
			Password: string(config.SIP.Password),
			Host:     config.SIP.Host,
			Port:     config.SIP.Port,
		}, diago.RegisterOptions{
			Username: config.SIP.User,
			Password: string(config.SIP.Password),
			Expiry:   config.SIP.Expiry.ToDuration(),
		})
		if err != nil {
			exiter <- err
		}
	}()
	err = <-exiter
	if err == nil {
		log.Info("All connections closed, exiting")
	}
	return err
}

func (ci *callInterceptor) close() {
	for i := len(ci.closers) - 1; i >= 0; i-- {
		ci.closers[i]()
	}
}

func (ci *callInterceptor) initSetLogger(log *logger.Logger) {
	if log == nil {
		log = logger.NewLogger()
		log.SetLogLevel(logger.LogLevel(ci.config.LogLevel))
		log.MillisecondLogging(true)
	}
	ci.log = log
}

func (ci *callInterceptor) initPatchZerolog() {
	r, w, err := os.Pipe()
	if err != nil {
		ci.log.Critical(err.Error())
	}
	zlog.Logger = zlog.Logger.Output(w)
	go func() {
		scanner := bufio.NewScanner(r)
		siplog := ci.log.WithPrefix("SIP: ")
		unknownlog := ci.log.WithPrefix("UNKNOWN: ")
		for scanner.Scan() {
			text := strings.TrimSuffix(scanner.Text(), "\n")
			var test struct {
				Level string `json:"level"`
			}
			err := json.Unmarshal([]byte(text), &test)
			if err != nil {
				unknownlog.Info(text)
				continue
			}
			switch test.Level {
			case zerolog.DebugLevel.String():
				siplog.Debug(text)
			case zerolog.InfoLevel.String():
				siplog.Info(text)
			case zerolog.WarnLevel.String():
				siplog.Warn(text)
			case zerolog.ErrorLevel.String():
				siplog.Error(text)
			case zerolog.FatalLevel.String(), zerolog.PanicLevel.String():
				siplog.Critical(text)
			case zerolog.TraceLevel.String():
				siplog.Detail(text)
			default:
				unknownlog.Info(text)
			}
		}
	}()
}

func (ci *callInterceptor) initStats() {
	ci.stats = &stats{}
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ci.ctx.Done():
				return
			case <-ticker.C:
				ci.stats.print(ci.log)
			}
		}
	}()
}

func (ci *callInterceptor) initBlockList() error {
	store, err := blockstore.Open(ci.config.BlockList.StorePath)
	if err != nil {
		return err
	}
	ci.store = store
	ci.closers = append(ci.closers, func() {
		if err := store.Close(); err != nil {
			ci.log.Error("Error closing block list store: %v", err)
		}
	})

	ci.importer = newListImporter(ci.config.BlockList, store, ci.normalize, ci.log.WithPrefix("import: "))
	ci.log.Info("Parsing number lists")
	if err := ci.importer.parseNumberLists(); err != nil {
		return err
	}
	ci.log.Info("Block list holds %d numbers", store.Len())
	return nil
}

func (ci *callInterceptor) initOracle() (spamoracle.Oracle, error) {
	var oracles []spamoracle.Oracle
	oc := ci.config.Oracle
	if oc.Registry.URL != "" {
		ci.log.Info("Spam oracle: registry at %s (min level %s)", oc.Registry.URL, oc.Registry.MinRiskLevel)
		oracles = append(oracles, spamoracle.NewRegistry(oc.Registry.URL, string(oc.Registry.APIKey),
			spamoracle.RiskLevel(oc.Registry.MinRiskLevel), oc.Registry.Timeout.ToDuration()))
	}
	if len(oc.Scylla.Hosts) > 0 {
		ci.log.Info("Spam oracle: scylla %v keyspace %s (min level %s)", oc.Scylla.Hosts, oc.Scylla.Keyspace, oc.Scylla.MinRiskLevel)
		session, err := spamoracle.ConnectScylla(oc.Scylla.Keyspace, oc.Scylla.Timeout.ToDuration(), oc.Scylla.Hosts...)
		if err != nil {
			return nil, err
		}
		s := spamoracle.NewScylla(session, spamoracle.RiskLevel(oc.Scylla.MinRiskLevel))
		ci.closers = append(ci.closers, s.Close)
		oracles = append(oracles, s)
	}
	if len(oracles) == 0 {
		ci.log.Warn("No spam oracle configured, only the block list is enforced")
		return spamoracle.Never, nil
	}
	return spamoracle.NewCache(spamoracle.Any(oracles...), oc.Cache.Size, oc.Cache.TTL.ToDuration()), nil
}

func (ci *callInterceptor) initAdminAPI(exiter chan error) {
	srv := &http.Server{
		Addr:              ci.config.Admin.ListenAddr,
		Handler:           newAdminAPI(ci.store, ci.stats, string(ci.config.Admin.APIKey), ci.normalize, ci.log.WithPrefix("admin: ")).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ci.closers = append(ci.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	go func() {
		ci.log.Info("Admin API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			exiter <- fmt.Errorf("admin api: %w", err)
		}
	}()
}

func (ci *callInterceptor) initSignalHandlers(client *sipgo.Client, ua *sipgo.UserAgent, exiter chan error) {
	ci.log.Info("Setting up OS signal handlers")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		ci.log.Info("Received interrupt signal, shutting down")
		client.Close()
		ua.Close()
		exiter <- nil
	}()
	go func() {
		sigUsr1Chan := make(chan os.Signal, 1)
		signal.Notify(sigUsr1Chan, syscall.SIGUSR1)
		for {
			<-sigUsr1Chan
			ci.log.Info("SIGUSR1: Reloading number lists")
			if err := ci.importer.parseNumberLists(); err != nil {
				ci.log.Error("Error reloading number lists: %v", err)
			} else {
				ci.log.Info("SIGUSR1: Number lists reloaded")
			}
		}
	}()
	go func() {
		sighupChan := make(chan os.Signal, 1)
		signal.Notify(sighupChan, syscall.SIGHUP)
		for {
			<-sighupChan
			ci.log.Info("SIGHUP: Reopening audit files")
			if err := ci.audit.reopen(); err != nil {
				ci.log.Error("Error reopening audit files: %v", err)
			} else {
				ci.log.Info("SIGHUP: Audit files reopened")
			}
		}
	}()
}
