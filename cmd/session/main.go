package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/cache"
	"github.com/jrsteele09/go-auth-session/credentials/diskvstore"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/refresh"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	identityKey      = "identity"
	responseCacheTTL = 5 * time.Minute
	responseCacheMax = 128
)

type options struct {
	username string
	password string
	baseURL  string
	logLevel string
	quiet    bool
	metrics  bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("session")
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	var opts options
	flagSet := pflag.NewFlagSet("session", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.username, "username", "u", "", "username for login")
	flagSet.StringVarP(&opts.password, "password", "p", "", "password for login (default: $SESSION_PASSWORD)")
	flagSet.StringVar(&opts.baseURL, "base-url", "", "base URL for relative request paths")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (default: $LOG_LEVEL or info)")
	flagSet.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print the banner")
	flagSet.BoolVar(&opts.metrics, "metrics", false, "print session metrics on exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(flagSet)
		return nil
	}

	c := config.New()
	setupLogger(c, opts.logLevel)
	if !opts.quiet {
		displayAppname(c.GetAppName())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, c, opts)
	if err != nil {
		return err
	}
	defer app.close()

	if opts.metrics {
		defer app.printMetrics()
	}
	return app.dispatch(ctx, flagSet.Args(), opts)
}

type app struct {
	service   *auth.SessionService
	store     *diskvstore.Store
	responses *cache.EntityCache[*transport.Response]
	registry  *prometheus.Registry

	lock    sync.Mutex
	expired *session.Identity // session that expired in an earlier invocation
}

// identityRecord is the identity persisted between invocations. Expired records
// have no credential left and are only shown, never restored.
type identityRecord struct {
	Identity session.Identity `json:"identity"`
	Expired  bool             `json:"expired,omitempty"`
}

func newApp(ctx context.Context, c config.Config, opts options) (*app, error) {
	storeOptions := []diskvstore.Option{}
	if key := c.GetStoreEncryptionKey(); key != "" {
		storeOptions = append(storeOptions, diskvstore.WithEncryptionKey(key))
	}
	store, err := diskvstore.New(c.GetStoreFolder(), storeOptions...)
	if err != nil {
		return nil, fmt.Errorf("diskvstore.New: %w", err)
	}

	transportOptions := []transport.HTTPTransportOption{transport.WithLogger(log.Logger)}
	if opts.baseURL != "" {
		transportOptions = append(transportOptions, transport.WithBaseURL(opts.baseURL))
	}
	tr := transport.NewHTTPTransport(c.GetSendTimeout(), transportOptions...)

	refresherOptions := []refresh.Option{
		refresh.WithHTTPClient(&http.Client{Timeout: c.GetRefreshTimeout()}),
		refresh.WithRevocationURL(c.GetRevocationURL()),
	}
	if issuer := c.GetIssuer(); issuer != "" {
		verifier, err := refresh.NewIDTokenVerifier(ctx, issuer, c.GetClientID())
		if err != nil {
			return nil, err
		}
		refresherOptions = append(refresherOptions, refresh.WithIDTokenVerifier(verifier))
	}
	refresher, err := refresh.NewOAuth2Refresher(refresh.NewOAuth2Config(c), refresherOptions...)
	if err != nil {
		return nil, err
	}

	responses := cache.NewEntityCache[*transport.Response]("responses", responseCacheMax, responseCacheTTL)
	registry := prometheus.NewRegistry()

	serviceOptions := []auth.SessionServiceOption{
		auth.WithPasswordAuthenticator(refresher),
		auth.WithCoordinatorOptions(
			session.WithRefreshTimeout(c.GetRefreshTimeout()),
			session.WithMetrics(registry),
		),
	}
	if c.GetRevocationURL() != "" {
		serviceOptions = append(serviceOptions, auth.WithRevoker(refresher))
	}
	service, err := auth.NewSessionService(auth.Deps{
		Store:     store,
		Transport: tr,
		Refresher: refresher,
		Cache:     responses,
	}, serviceOptions...)
	if err != nil {
		return nil, err
	}

	return attach(service, store, responses, registry), nil
}

// attach restores the previous session into service and keeps the identity record in step from then on.
func attach(service *auth.SessionService, store *diskvstore.Store, responses *cache.EntityCache[*transport.Response], registry *prometheus.Registry) *app {
	a := &app{service: service, store: store, responses: responses, registry: registry}
	a.restore()
	service.Subscribe(a.persistIdentity)
	return a
}

// restore resumes the session left by the previous invocation, if any.
func (a *app) restore() {
	var record identityRecord
	found, err := a.store.Load(identityKey, &record)
	if err != nil {
		log.Err(err).Msg("loading identity")
		return
	}
	if !found {
		return
	}
	if record.Expired {
		a.setExpired(&record.Identity)
		log.Debug().Str("user", record.Identity.ID).Msg("previous session expired")
		return
	}
	if err := a.service.Restore(&record.Identity); err != nil {
		log.Debug().Err(err).Str("user", record.Identity.ID).Msg("previous session not restored")
		if apperrors.Is(err, apperrors.ErrCredentialNotFound) {
			a.forgetIdentity()
		}
		return
	}
	log.Debug().Str("user", record.Identity.ID).Msg("session restored")
}

// persistIdentity keeps the identity record in step with the session so the next
// invocation can restore it, or report that it expired.
func (a *app) persistIdentity(event session.Event) {
	switch identity := event.To.Identity; event.To.Phase {
	case session.PhaseAuthenticated:
		a.setExpired(nil)
		if err := a.store.Put(identityKey, identityRecord{Identity: *identity}); err != nil {
			log.Err(err).Msg("persisting identity")
		}
	case session.PhaseExpired:
		if identity != nil {
			if err := a.store.Put(identityKey, identityRecord{Identity: *identity, Expired: true}); err != nil {
				log.Err(err).Msg("persisting identity")
			}
		}
	case session.PhaseSignedOut:
		a.forgetIdentity()
	}
	log.Info().Str("from", event.From.Phase.String()).Str("to", event.To.Phase.String()).Str("reason", event.Reason).Msg("session")
}

func (a *app) forgetIdentity() {
	a.setExpired(nil)
	if err := a.store.Delete(identityKey); err != nil {
		log.Err(err).Msg("deleting identity")
	}
}

func (a *app) setExpired(identity *session.Identity) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.expired = identity
}

func (a *app) close() {
	a.service.Close()
}

func (a *app) dispatch(ctx context.Context, args []string, opts options) error {
	switch command := args[0]; command {
	case "login":
		return a.login(ctx, opts)
	case "whoami":
		return a.whoami()
	case "get":
		if len(args) < 2 {
			return errors.New("get: url is required")
		}
		return a.get(ctx, args[1:])
	case "logout":
		return a.logout(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) login(ctx context.Context, opts options) error {
	password := opts.password
	if password == "" {
		password = os.Getenv("SESSION_PASSWORD")
	}
	if opts.username == "" || password == "" {
		return errors.New("login: --username and --password are required")
	}
	if err := a.service.LoginWithPassword(ctx, opts.username, password); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", describe(a.service.CurrentIdentity()))
	return nil
}

// logout also forgets an expired session, which the machine no longer knows about after a restart.
func (a *app) logout(ctx context.Context) error {
	err := a.service.Logout(ctx)
	a.forgetIdentity()
	return err
}

func (a *app) whoami() error {
	fmt.Println(a.describeSession())
	return nil
}

func (a *app) describeSession() string {
	state := a.service.State()
	identity := state.Identity
	if identity == nil {
		a.lock.Lock()
		identity = a.expired
		a.lock.Unlock()
	}
	switch {
	case state.IsAuthenticated():
		return fmt.Sprintf("%s (%s)", describe(identity), state.Phase)
	case identity != nil:
		return fmt.Sprintf("Session expired for %s, please log in again", describe(identity))
	default:
		return "Not logged in"
	}
}

// get fetches every url concurrently; requests that race an expired token share one refresh.
func (a *app) get(ctx context.Context, urls []string) error {
	type result struct {
		resp *transport.Response
		err  error
	}
	results := make([]result, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			resp, err := a.responses.Get(ctx, url, func(ctx context.Context, url string) (*transport.Response, error) {
				return a.service.Authorize(ctx, transport.Get(url))
			})
			results[i] = result{resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var failed error
	for i, r := range results {
		switch {
		case apperrors.Is(r.err, apperrors.ErrSessionExpired):
			return errors.New("session expired, please log in again")
		case apperrors.Is(r.err, apperrors.ErrNotAuthenticated):
			return errors.New("not logged in")
		case r.err != nil:
			log.Err(r.err).Str("url", urls[i]).Msg("request failed")
			failed = r.err
		default:
			fmt.Printf("%s\n", r.resp.Body)
		}
	}
	return failed
}

func (a *app) printMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		log.Err(err).Msg("gathering metrics")
		return
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			labels := ""
			for _, l := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}
			fmt.Fprintf(os.Stderr, "%s%s %v\n", family.GetName(), labels, value)
		}
	}
}

func describe(identity *session.Identity) string {
	if identity == nil {
		return "unknown user"
	}
	if identity.DisplayName != "" && identity.DisplayName != identity.ID {
		return fmt.Sprintf("%s <%s>", identity.DisplayName, identity.ID)
	}
	return identity.ID
}

func setupLogger(c config.EnvConfig, override string) {
	levelName := c.GetLogLevel()
	if override != "" {
		levelName = override
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `session keeps an OAuth2 session on disk and sends authorized requests with it.

Usage:
  session [flags] login --username <user> [--password <password>]
  session [flags] whoami
  session [flags] get <url> [<url>...]
  session [flags] logout

Configuration is read from the environment (OAUTH_CLIENT_ID, OAUTH_TOKEN_URL,
OAUTH_REVOCATION_URL, OAUTH_ISSUER, STORE_FOLDER, STORE_ENCRYPTION_KEY, ...).

Flags:
`)
	flagSet.PrintDefaults()
}
