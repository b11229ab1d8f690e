// Command cloudillod is the single-binary server: it wires config, every
// storage façade, the action engine, the federation client, the relay
// plane, the background worker scheduler and the HTTP gateway into one
// process, in the manner of tool/teleport's single-binary composition of
// auth, proxy and node services.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/action"
	"github.com/cloudillo/cloudillo-sub008/internal/config"
	"github.com/cloudillo/cloudillo-sub008/internal/federation"
	"github.com/cloudillo/cloudillo-sub008/internal/gateway"
	"github.com/cloudillo/cloudillo-sub008/internal/identity"
	"github.com/cloudillo/cloudillo-sub008/internal/relay"
	"github.com/cloudillo/cloudillo-sub008/internal/store/authstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/backend"
	"github.com/cloudillo/cloudillo-sub008/internal/store/blobstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/busstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/crdtstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/dbstore"
	"github.com/cloudillo/cloudillo-sub008/internal/store/metastore"
	"github.com/cloudillo/cloudillo-sub008/internal/worker"
)

var log = logrus.WithFields(logrus.Fields{"component": "Cloudillod"})

const (
	certRenewalInterval   = 6 * time.Hour
	deliveryRetryInterval = 2 * time.Minute
	profileResyncInterval = 1 * time.Hour
	notifyFanoutInterval  = 5 * time.Second
	crdtIdleGrace         = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		log.Errorf("fatal: %v", trace.DebugReport(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	b := backend.NewMemory()
	auth := authstore.New(b, cfg.JWTSecret)
	meta := metastore.New(b)
	blob := blobstore.New(cfg.PrivateDataDir, cfg.PublicDataDir)
	bus := busstore.New()
	crdt := crdtstore.New()
	db := dbstore.New()

	ident := identity.New(cfg.Mode, auth, cfg.Clock)

	fed, err := federation.New(ident, meta, 10*time.Second, 3)
	if err != nil {
		return trace.Wrap(err)
	}

	eng := action.New(meta, auth, blob, bus, ident, fed, action.NewMemoryKeyStore(), cfg.Clock, 0)

	msgBus := relay.NewMessageBus(bus)
	crdtRelay, err := relay.NewCRDTRelay(crdt, crdtIdleGrace)
	if err != nil {
		return trace.Wrap(err)
	}
	dispatcher := relay.NewDispatcher(ident, msgBus, crdtRelay)

	gw := gateway.New(ident, eng, fed, dispatcher, auth, meta, blob, db)
	gw.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	if rpId, rpOrigin := os.Getenv("WEBAUTHN_RP_ID"), os.Getenv("WEBAUTHN_RP_ORIGIN"); rpId != "" && rpOrigin != "" {
		rp, err := identity.NewRelyingParty(cfg.BaseIdTag, rpId, rpOrigin)
		if err != nil {
			return trace.Wrap(err)
		}
		gw.RP = rp
	}

	if err := bootstrap(cfg, auth); err != nil {
		return trace.Wrap(err)
	}

	sched := worker.NewScheduler(cfg.Clock, 0)
	acmeDirectoryURL := os.Getenv("ACME_DIRECTORY_URL")
	sched.Register(worker.NewCertRenewalTask(ident, acmeDirectoryURL, cfg.ACMEEmail, certRenewalInterval))
	sched.Register(worker.NewDeliveryRetryTask(auth, meta, eng, deliveryRetryInterval))
	sched.Register(worker.NewProfileResyncTask(meta, fed, cfg.Clock, 0, profileResyncInterval))
	notifier := worker.NewNotifier(auth, meta, nil)
	bus.SetOfflineHandler(notifier.OfflineHandler())
	sched.Register(worker.NewNotificationFanoutTask(notifier, notifyFanoutInterval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	// This process serves plain HTTP on ListenHTTP only: the ACME HTTP-01
	// responder, the REST surface and the WebSocket upgrade all run here.
	// cfg.Listen names the TLS front door an external terminator (a
	// standalone instance's own reverse proxy, or the shared edge in
	// ModeProxy/ModeStreamProxy) serves using the certificates
	// IssueCertificate deposits into AuthStore; this binary never loads a
	// tls.Config itself.
	httpSrv := &http.Server{Addr: cfg.ListenHTTP, Handler: gw}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %v", cfg.ListenHTTP)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		stop()
		return trace.Wrap(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return trace.Wrap(httpSrv.Shutdown(shutdownCtx))
}

// bootstrap creates the deployment's own base tenant (spec.md §2 "Base
// tenant") on first start, mirroring how tool/teleport's auth service
// bootstraps its own cluster CA and admin role the first time it runs
// against an empty backend.
func bootstrap(cfg *config.Config, auth *authstore.Store) error {
	ctx := context.Background()
	if _, err := auth.GetTnId(ctx, cfg.BaseIdTag); err == nil {
		return nil
	}
	tnId, err := auth.CreateTenant(ctx, cfg.BaseIdTag)
	if err != nil {
		return trace.Wrap(err)
	}
	if cfg.BasePassword == "" {
		return nil
	}
	return trace.Wrap(auth.SetPassword(ctx, tnId, cfg.BasePassword))
}
