package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/passnetwork/pass-enclave/internal/config"
	"github.com/passnetwork/pass-enclave/internal/db"
	"github.com/passnetwork/pass-enclave/internal/enclave"
	"github.com/passnetwork/pass-enclave/internal/http"
	"github.com/passnetwork/pass-enclave/internal/kms"
	"github.com/passnetwork/pass-enclave/internal/state"
	"github.com/passnetwork/pass-enclave/internal/wallet"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	DatabaseManager *db.DatabaseManager
	KMS             *kms.KMS
	Registry        *wallet.Registry
	EventBus        *state.EventBus
	Dispatcher      *enclave.Dispatcher
	EnclaveServer   *enclave.Server
	HTTPServer      *http.HTTPServer
}

func NewApplication() *Application {
	config.InitConfig()

	var dbm *db.DatabaseManager
	var keyStore kms.KeyStore
	var walletStore wallet.WalletStore
	var sink wallet.ProvenanceSink
	if config.AppConfig.DbDir != "" {
		dbm = db.NewDatabaseManager(config.AppConfig.DbDir)
		keyStore = dbm
		walletStore = dbm
		sink = dbm
	}

	keyManager, err := kms.New(config.AppConfig.EnclaveSecret, keyStore)
	if err != nil {
		log.Fatalf("Failed to initialize KMS: %v", err)
	}
	registry, err := wallet.NewRegistry(keyManager, config.AppConfig.LockWaitTimeout, walletStore, sink)
	if err != nil {
		log.Fatalf("Failed to initialize wallet registry: %v", err)
	}
	eventBus := state.NewEventBus()
	dispatcher := enclave.NewDispatcher(keyManager, registry, eventBus)

	addr := net.JoinHostPort(config.AppConfig.TCPHost, config.AppConfig.TCPPort)
	enclaveServer := enclave.NewServer(dispatcher,
		addr,
		enclave.Framing(config.AppConfig.Framing),
		config.AppConfig.WorkerCount)

	var httpServer *http.HTTPServer
	if config.AppConfig.EnableHTTP {
		httpServer = http.NewHTTPServer(dispatcher)
	}

	return &Application{
		DatabaseManager: dbm,
		KMS:             keyManager,
		Registry:        registry,
		EventBus:        eventBus,
		Dispatcher:      dispatcher,
		EnclaveServer:   enclaveServer,
		HTTPServer:      httpServer,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.EnclaveServer.Start(ctx)
	}()

	if app.HTTPServer != nil {
		go app.HTTPServer.Start()
	}

	<-stop
	log.Info("Receiving exit signal...")

	cancel()

	wg.Wait()
	log.Info("Server stopped")
}

func main() {
	app := NewApplication()
	app.Run()
}
