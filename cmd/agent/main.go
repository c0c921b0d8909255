// Agent runs the consent handshake runtime: the session store, platform
// connector registry with its loopback OAuth callback listener, the consent
// state machine, and the cross-context messenger hub.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"consent-agent/internal/agent"
	"consent-agent/internal/apiclient"
	"consent-agent/internal/audit"
	auditrepo "consent-agent/internal/audit/repository"
	"consent-agent/internal/config"
	"consent-agent/internal/connector"
	connectorrepo "consent-agent/internal/connector/repository"
	"consent-agent/internal/consent"
	"consent-agent/internal/db"
	"consent-agent/internal/extension"
	"consent-agent/internal/messenger"
	"consent-agent/internal/session"
	sessionrepo "consent-agent/internal/session/repository"
	"consent-agent/internal/signer"
	"consent-agent/internal/telemetry"
	otelx "consent-agent/internal/telemetry/otel"
	"consent-agent/internal/telemetry/producer"
	telemetryrepo "consent-agent/internal/telemetry/repository"
)

// systemBrowserWindow stands in for a popup the agent opened in the user's
// default browser. The agent cannot observe a system browser tab, so Closed
// always reports false and the explicit-ack path closes the loop instead.
type systemBrowserWindow struct{}

func (systemBrowserWindow) Closed() bool { return false }
func (systemBrowserWindow) Close()       {}

func openSystemBrowser(authURL string) (connector.PopupWindow, error) {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", authURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		cmd = exec.Command("xdg-open", authURL)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return systemBrowserWindow{}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	providers, err := otelx.NewProviders(ctx, cfg.OTLPEndpoint, "consent-agent", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	var emitter telemetry.EventEmitter = otelx.NewEventEmitter(providers.LoggerProvider)
	var kafkaProducer *producer.KafkaProducer
	if brokers := cfg.EventsKafkaBrokersList(); len(brokers) > 0 {
		kafkaProducer, err = producer.NewKafkaProducer(brokers, cfg.EventsKafkaTopic)
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		emitter = kafkaProducer
		log.Printf("agent: streaming handshake events to kafka topic %s", cfg.EventsKafkaTopic)
	}

	store := session.NewStore()
	var auditor audit.EventLogger
	var connRepo connector.Repository
	var policy consent.RequesterEvaluator
	if cfg.DatabaseURL != "" {
		database, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer database.Close()

		store = session.NewStore(session.WithRepository(sessionrepo.NewPostgresRepository(database)))
		auditor = audit.NewLogger(auditrepo.NewPostgresRepository(database), nil)
		connRepo = connectorrepo.NewPostgresRepository(database)
		policy = consent.NewOPAEvaluator(consent.NewPostgresPolicySource(database))
		if kafkaProducer == nil && cfg.OTLPEndpoint == "" {
			// No stream and no collector; keep events queryable locally.
			emitter = telemetry.NewStoreEmitter(telemetryrepo.NewPostgresRepository(database))
		}
	} else {
		policy = consent.NewOPAEvaluator(nil)
		log.Println("agent: DATABASE_URL not set, running with in-memory stores")
	}

	subject := func() string {
		if sess := store.Current(); sess != nil {
			return sess.SubjectID
		}
		return ""
	}
	token := func() string {
		if sess := store.Current(); sess != nil {
			return sess.BearerToken
		}
		return ""
	}

	api := apiclient.New(cfg.APIBaseURL, cfg.APIKey)

	hub := messenger.NewHub(time.Second)

	// The host probe is injected by the embedding shell; without one,
	// detection resolves to "not installed" and the popup transport is used.
	bridge := extension.NewBridge(nil, nil, cfg.ExtensionDetectTimeoutDuration())
	transport := connector.TransportPopup
	if st := bridge.Detect(ctx); st.Installed {
		transport = connector.TransportNativeBridge
		log.Printf("agent: extension %s detected, using native-bridge transport", st.Version)
	}

	registryOpts := []connector.RegistryOption{
		connector.WithSubjectSource(subject),
		connector.WithConnectorOptions(
			connector.WithExplicitAck(),
			connector.WithWindowOpener(openSystemBrowser),
			connector.WithTokenSource(token),
			connector.WithPendingStore(connector.NewPendingStore(cfg.OAuthPollTimeoutDuration())),
			connector.WithTimeouts(connector.Timeouts{
				PopupTimeout:      cfg.PopupTimeoutDuration(),
				PopupPollInterval: cfg.PopupPollIntervalDuration(),
				OAuthPollInterval: cfg.OAuthPollIntervalDuration(),
				OAuthPollTimeout:  cfg.OAuthPollTimeoutDuration(),
			}),
		),
	}
	if connRepo != nil {
		registryOpts = append(registryOpts, connector.WithRepository(connRepo))
	}

	handshakeOpts := []consent.HandshakeOption{
		consent.WithRelay(hub, agent.Channel),
	}
	if cfg.PinPublicKey != "" {
		handshakeOpts = append(handshakeOpts, consent.WithPublicKey(cfg.PinPublicKey))
	}
	handshake := consent.NewHandshake(api, signer.NewKMSClient(cfg.SignerURL), subject, token, handshakeOpts...)

	var runtime *agent.Runtime
	registryOpts = append(registryOpts, connector.WithObserver(func(conn connector.Connection) {
		runtime.ObserveConnection(conn)
	}))
	registry := connector.NewRegistry(api, transport, registryOpts...)

	machine := consent.NewMachine(registry.Connected, handshake, consent.WithPolicy(policy))

	runtimeOpts := []agent.Option{
		agent.WithEmitter(emitter),
		agent.WithSubjectSource(subject),
		agent.WithSessionStore(store, cfg.SessionDuration()),
		agent.WithTokenVerifier(api),
	}
	if auditor != nil {
		runtimeOpts = append(runtimeOpts, agent.WithAuditLogger(auditor))
	}
	runtime = agent.New(hub, machine, registry, runtimeOpts...)
	runtime.Bind()

	if connRepo != nil {
		if err := registry.Restore(ctx); err != nil {
			log.Printf("agent: restore connections: %v", err)
		}
	}

	cookies := &session.CookieCodec{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}
	listener, err := connector.NewCallbackListener(cfg.CallbackAddr, registry,
		connector.WithSessionCookie(func() *http.Cookie {
			if sess := store.Current(); sess != nil {
				return cookies.Encode(sess)
			}
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("callback listener: %v", err)
	}
	if err := listener.Start(); err != nil {
		log.Fatalf("callback listener: %v", err)
	}
	log.Printf("agent: OAuth callback listener on %s", listener.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("agent: shutting down...")
	runtime.Unbind()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := listener.Stop(stopCtx); err != nil {
		log.Printf("agent: callback listener stop: %v", err)
	}
	hub.Close()

	// Let in-flight async emits drain before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Printf("agent: kafka close: %v", err)
		}
	}
	if err := providers.Shutdown(stopCtx); err != nil {
		log.Printf("agent: otel shutdown: %v", err)
	}
	log.Println("agent: stopped")
}
