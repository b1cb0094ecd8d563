// Command diagsession wires a transport, the diag session, the optional
// log-mask/EFS2 modules, and the optional forensic sink and operator
// dashboard together, adapted from the teacher's cmd/protei-monitoring
// entry point (flag parsing, staged component bring-up, graceful signal
// shutdown) but scoped to a single diag session instead of a full
// multi-protocol monitoring application.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"

	"github.com/qcsuper/diagcore/internal/logger"
	"github.com/qcsuper/diagcore/pkg/config"
	"github.com/qcsuper/diagcore/pkg/dashboard"
	"github.com/qcsuper/diagcore/pkg/diag"
	"github.com/qcsuper/diagcore/pkg/efs2"
	"github.com/qcsuper/diagcore/pkg/forensics"
	"github.com/qcsuper/diagcore/pkg/health"
	"github.com/qcsuper/diagcore/pkg/logmask"
	"github.com/qcsuper/diagcore/pkg/messages"
	"github.com/qcsuper/diagcore/pkg/transport"
	"github.com/qcsuper/diagcore/pkg/transport/replay"
	"github.com/qcsuper/diagcore/pkg/transport/serial"
	"github.com/qcsuper/diagcore/pkg/transport/usb"
)

const appName = "diagsession"

var (
	configPath = flag.String("config", "diagcore.yaml", "Path to configuration file")
	version    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s\n", appName)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagsession: loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "diagsession: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagsession: initializing logger: %v\n", err)
		os.Exit(1)
	}
	log.Infof("starting %s", appName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, closeTransport, err := openTransport(ctx, cfg.Transport)
	if err != nil {
		log.Fatalf("opening transport: %v", err)
	}
	defer closeTransport()

	monitor := health.NewMonitor(health.Config{})

	// sink is constructed before the dashboard/forensics it fans out to
	// exist, and filled in below; NewSession only needs the interface
	// value, which observes later mutations through the shared pointer.
	sink := &sessionSink{monitor: monitor}
	sess := diag.NewSession(tp, sink, log.WithComponent("diag"))

	if cfg.Forensics.Enabled {
		forensicSink, ferr := forensics.Open(ctx, cfg.Forensics.DSN)
		if ferr != nil {
			log.Errorf("forensics disabled, could not connect: %v", ferr)
		} else {
			defer forensicSink.Close()
			sink.forensics = forensicSink
			log.Infof("forensic sink connected")
		}
	}

	var subscription dashboard.SubscriptionProvider = emptySubscription{}
	if cfg.LogMask.Enabled {
		allowList := make(map[uint32]bool, len(cfg.LogMask.AllowList))
		for _, v := range cfg.LogMask.AllowList {
			allowList[v] = true
		}
		mgr := &logmask.Manager{AllowList: allowList, Log: log.WithComponent("logmask")}
		sess.Registry().Add(mgr.Module(sess, func(diag.Packet) {
			monitor.RecordLog()
		}))
		subscription = mgr
	}

	efsClient := efs2.NewClient(sess, efs2.Subsystem(cfg.EFS2.SubsystemID))
	sess.Registry().Add(&diag.Module{
		Name: "efs2",
		OnInit: func(ctx context.Context, _ *diag.Session) error {
			return efsClient.Hello(ctx)
		},
		// EFS2 is request/response driven and subscribes to nothing on its
		// own; WantsLog is a no-op so the registry keeps it live for the
		// dashboard's module listing instead of dropping it right after init.
		WantsLog: func(diag.Packet) {},
	})

	if cfg.Messages.Enabled {
		var qdb *messages.QDB
		for _, p := range cfg.Messages.QDBPaths {
			f, oerr := os.Open(p)
			if oerr != nil {
				log.Errorf("messages: opening qdb %s: %v", p, oerr)
				continue
			}
			loaded, perr := messages.NewQDB(f)
			f.Close()
			if perr != nil {
				log.Errorf("messages: parsing qdb %s: %v", p, perr)
				continue
			}
			if qdb == nil {
				qdb = loaded
			} else {
				qdb.Merge(loaded)
			}
		}
		msgMgr := &messages.Manager{
			QDB: qdb,
			Log: log.WithComponent("messages"),
			OnText: func(messages.Decoded) {
				monitor.RecordMessage()
			},
		}
		sess.Registry().Add(msgMgr.Module(sess))
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		auth := dashboard.NewAuthService(
			cfg.Dashboard.OperatorUser,
			cfg.Dashboard.OperatorPasswordHash,
			cfg.Dashboard.JWTSecret,
			time.Duration(cfg.Dashboard.TokenExpiryMinutes)*time.Minute,
		)
		dash = dashboard.New(dashboard.Config{
			Addr:         cfg.DashboardAddr(),
			AuthService:  auth,
			Status:       monitor,
			Modules:      modulesAdapter{sess.Registry()},
			Subscription: subscription,
			Logger:       log.WithComponent("dashboard"),
		})
		sink.dashboard = dash

		go func() {
			if err := dash.Start(); err != nil {
				log.Errorf("dashboard server stopped: %v", err)
			}
		}()
	}

	sess.Registry().InitAll(ctx, sess)

	go sess.Run(ctx)

	select {
	case <-ctx.Done():
		log.Infof("shutdown signal received")
		monitor.RecordShutdown("operator interrupt")
	case <-sess.Shutdown().Done():
		cause := sess.Shutdown().Reason()
		log.Infof("session shut down: %v", cause)
		if cause != nil {
			monitor.RecordShutdown(cause.Error())
		}
	}

	deinitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess.Registry().DeinitAll(deinitCtx, sess)

	if dash != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = dash.Stop(stopCtx)
	}

	log.Infof("%s stopped", appName)
}

func openTransport(ctx context.Context, cfg config.TransportConfig) (diag.Transport, func(), error) {
	switch cfg.Kind {
	case "tcp":
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		tp, err := transport.DialTCP(ctx, addr, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return tp, func() { tp.Close() }, nil
	case "serial":
		tp, err := serial.Open(cfg.Device)
		if err != nil {
			return nil, nil, err
		}
		return tp, func() { tp.Close() }, nil
	case "usb":
		outEP, inEP := cfg.USBOutEP, cfg.USBInEP
		if outEP == 0 {
			outEP = 1
		}
		if inEP == 0 {
			inEP = 1
		}
		tp, err := usb.Open(gousb.ID(cfg.USBVendorID), gousb.ID(cfg.USBProductID), outEP, inEP)
		if err != nil {
			return nil, nil, err
		}
		return tp, func() { tp.Close() }, nil
	case "dlf":
		f, err := os.Open(cfg.ReplayPath)
		if err != nil {
			return nil, nil, err
		}
		tp := replay.NewDlfReader(f)
		return tp, func() { tp.Close() }, nil
	case "jsonl":
		f, err := os.Open(cfg.ReplayPath)
		if err != nil {
			return nil, nil, err
		}
		tp := replay.NewJSONLReader(f)
		return tp, func() { tp.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("diagsession: unknown transport kind %q", cfg.Kind)
	}
}

// sessionSink fans every classified packet out to the optional dashboard
// live tail and the optional forensic sink. Its fields are filled in
// during startup, after NewSession already holds the Sink interface value.
type sessionSink struct {
	monitor   *health.Monitor
	dashboard *dashboard.Server
	forensics *forensics.Sink
}

func (s *sessionSink) Observe(pkt diag.Packet) {
	if s.dashboard != nil {
		s.dashboard.Observe(pkt)
	}
	if s.forensics != nil {
		s.forensics.Observe(pkt)
	}
}

// modulesAdapter bridges *diag.Registry's capability snapshot to
// pkg/dashboard's ModulesProvider interface.
type modulesAdapter struct {
	registry *diag.Registry
}

func (m modulesAdapter) Modules() []diag.ModuleInfo {
	return m.registry.Snapshot()
}

// emptySubscription is the dashboard's subscription view when log masking
// is disabled: nothing is subscribed.
type emptySubscription struct{}

func (emptySubscription) Subscription() map[uint32]uint32 { return nil }
