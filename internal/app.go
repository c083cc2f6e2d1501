package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	"manyeyes/pkg/coordinator"
	"manyeyes/pkg/credstore"
	"manyeyes/pkg/crypto"
	"manyeyes/pkg/log"
	"manyeyes/pkg/negotiation"
	"manyeyes/pkg/peer"
	"manyeyes/pkg/registry"
	"manyeyes/pkg/relayserver"
	"manyeyes/pkg/signal"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const defaultStoreKey = "manyeyes-local-store"

var ErrNotLoggedIn = errors.New("not logged in, run the login command first")

type App struct {
	logLevel  string
	apiBase   string
	relayURL  string
	storeFile string
	storeKey  string

	// Login options.
	email      string
	password   string
	deviceName string

	// Run options.
	stunServers []string
	turnAuthURL string
	turnKey     string
	cameras     []string
	microphone  string
	recordDir   string
	noAudio     bool
	noVideo     bool
	watch       string
	serveRelay  string

	out io.Writer

	store    *credstore.Store
	registry *registry.Client
	refresh  int32
}

func NewApp() *App {
	return &App{
		out: os.Stdout,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func (a *App) LogLevel() string {
	return a.logLevel
}

// BindFlags binds the options shared by every command.
func (a *App) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&a.logLevel, "log-level", "l", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&a.apiBase, "api", envOr("MANYEYES_API", "http://localhost:8081"), "Registry base URL ($MANYEYES_API)")
	fs.StringVar(&a.relayURL, "relay", envOr("MANYEYES_RELAY", "ws://localhost:8080/ws"), "Signaling relay URL ($MANYEYES_RELAY)")
	fs.StringVar(&a.storeFile, "store", "", "Credentials file (default: <user config dir>/manyeyes/credentials)")
	fs.StringVar(&a.storeKey, "store-key", os.Getenv("MANYEYES_STORE_KEY"), "Passphrase protecting the credentials file ($MANYEYES_STORE_KEY)")
}

func (a *App) BindLoginFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&a.email, "email", "e", "", "Account email")
	fs.StringVarP(&a.password, "password", "p", "", "Account password")
	fs.StringVarP(&a.deviceName, "name", "n", "", "Name of this device (default: random)")
}

func (a *App) BindRunFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	fs.StringVar(&a.turnAuthURL, "turn-auth", "", "Endpoint issuing TURN credentials")
	fs.StringVar(&a.turnKey, "turn-key", "", "Bearer key for the TURN credential endpoint")
	fs.StringSliceVarP(&a.cameras, "camera", "c", nil, "IVF (VP8) files used as cameras, in switching order")
	fs.StringVarP(&a.microphone, "microphone", "m", "", "Ogg (Opus) file used as microphone")
	fs.StringVarP(&a.recordDir, "record", "r", "", "Directory where received streams are recorded")
	fs.BoolVar(&a.noAudio, "no-audio", false, "Do not negotiate audio")
	fs.BoolVar(&a.noVideo, "no-video", false, "Do not negotiate video")
	fs.StringVarP(&a.watch, "watch", "w", "", "Device id to request a stream from once connected")
	fs.StringVar(&a.serveRelay, "serve-relay", "", "Also run a development relay on this address")
}

func (a *App) Setup() error {
	if a.storeFile == "" {
		file, err := credstore.DefaultFile()
		if err != nil {
			return errors.Wrap(err, "credentials file")
		}

		a.storeFile = file
	}

	key := a.storeKey
	if key == "" {
		// NOTE: The preset passphrase should be replaced with your own one.
		log.Warn("MANYEYES_STORE_KEY is not set, using the built-in passphrase")
		key = defaultStoreKey
	}

	aes, err := crypto.NewAesCbc(crypto.AesCbcConfig{Passphrase: key})
	if err != nil {
		return errors.Wrap(err, "credentials crypto")
	}

	a.store = credstore.NewStore(credstore.StoreConfig{File: a.storeFile}, aes)
	a.registry = registry.NewClient(registry.ClientConfig{BaseURL: a.apiBase})

	return nil
}

func (a *App) Register(ctx context.Context) error {
	if a.email == "" || a.password == "" {
		return errors.New("email and password are required")
	}

	return errors.Wrap(a.registry.Register(ctx, a.email, a.password), "register")
}

func (a *App) Login(ctx context.Context) error {
	if a.email == "" || a.password == "" {
		return errors.New("email and password are required")
	}

	// Re-login keeps the device identity.
	prev, err := a.store.Load()
	if err != nil && !errors.Is(err, credstore.ErrNoCredentials) {
		log.WithFields(log.Fields{"error": err}).Warn("ignoring unreadable stored credentials")
	}

	deviceID := prev.DeviceID
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	name := a.deviceName
	if name == "" {
		name = prev.DeviceName
	}

	if name == "" {
		name = petname.Generate(2, "-")
	}

	resp, err := a.registry.Login(ctx, registry.LoginRequest{
		Email:      a.email,
		Password:   a.password,
		DeviceName: name,
		DeviceID:   deviceID,
	})
	if err != nil {
		return errors.Wrap(err, "login")
	}

	err = a.store.Save(credstore.Credentials{
		DeviceID:   resp.DeviceID,
		Token:      resp.Token,
		DeviceName: name,
		APIBase:    a.apiBase,
	})
	if err != nil {
		return errors.Wrap(err, "save credentials")
	}

	log.Infof("Logged in as %q (%s)", name, resp.DeviceID)

	return a.printDevices(resp.Devices)
}

func (a *App) Logout() error {
	return errors.Wrap(a.store.Clear(), "logout")
}

func (a *App) credentials() (credstore.Credentials, error) {
	creds, err := a.store.Load()
	if errors.Is(err, credstore.ErrNoCredentials) {
		return creds, ErrNotLoggedIn
	}

	if err != nil {
		return creds, errors.Wrap(err, "load credentials")
	}

	if !creds.Valid() {
		return creds, ErrNotLoggedIn
	}

	if creds.APIBase != "" && a.apiBase != creds.APIBase {
		a.registry = registry.NewClient(registry.ClientConfig{BaseURL: creds.APIBase})
	}

	return creds, nil
}

func (a *App) Devices(ctx context.Context) error {
	creds, err := a.credentials()
	if err != nil {
		return err
	}

	devices, err := a.registry.ListDevices(ctx, creds.Token)
	if err != nil {
		return errors.Wrap(err, "list devices")
	}

	return a.printDevices(devices)
}

func (a *App) printDevices(devices []registry.Device) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "DEVICE ID\tNAME\tONLINE")

	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%t\n", d.DeviceID, d.DeviceName, d.IsOnline)
	}

	return w.Flush()
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	creds, err := a.credentials()
	if err != nil {
		return err
	}

	log.Infof("Starting manyeyes, device %q (%s)", creds.DeviceName, creds.DeviceID)
	defer log.Info("Ending manyeyes")

	engine, err := peer.NewEngine(peer.EngineConfig{
		Cameras:    a.cameras,
		Microphone: a.microphone,
		RecordDir:  a.recordDir,
	})
	if err != nil {
		return errors.Wrap(err, "media engine")
	}

	coord, err := coordinator.New(coordinator.Config{
		DeviceID:  creds.DeviceID,
		Token:     creds.Token,
		WantAudio: !a.noAudio,
		WantVideo: !a.noVideo,
	}, coordinator.Deps{
		Relay: signal.NewRelay(signal.RelayConfig{URL: a.relayURL}),
		ICE: peer.NewICE(peer.ICEConfig{
			STUN:        a.stunServers,
			TURNAuthURL: a.turnAuthURL,
			TURNKey:     a.turnKey,
		}),
		Engine: engine,
	})
	if err != nil {
		return errors.Wrap(err, "coordinator")
	}

	coord.OnSessionEnded(func(info coordinator.SessionInfo) {
		fields := log.Fields{"peer": info.Remote, "role": info.Role.String(), "gen": info.Generation}
		if info.Reason != nil {
			fields["reason"] = info.Reason.Error()
		}

		log.WithFields(fields).Info("session ended")
	})

	coord.OnRemoteTrack(func(track negotiation.RemoteTrack) {
		log.Infof("receiving %s track %s", track.Kind(), track.ID())
	})

	coord.OnPresence(func(signal.Envelope) {
		a.refreshDevices(ctx, creds.Token)
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.listenOS(ctx, cancel)

		return nil
	})

	if a.serveRelay != "" {
		server := relayserver.NewServer(relayserver.ServerConfig{Addr: a.serveRelay})

		g.Go(func() error {
			return errors.Wrap(server.ListenAndServe(ctx), "relay server")
		})
	}

	g.Go(func() error {
		return coord.Run(ctx)
	})

	if a.watch != "" {
		g.Go(func() error {
			if err := coord.RequestStream(ctx, a.watch); err != nil && ctx.Err() == nil {
				return errors.Wrapf(err, "watch %s", a.watch)
			}

			return nil
		})
	}

	return g.Wait()
}

// refreshDevices runs off the control loop; overlapping refreshes collapse
// into one.
func (a *App) refreshDevices(ctx context.Context, token string) {
	if !atomic.CompareAndSwapInt32(&a.refresh, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&a.refresh, 0)

		devices, err := a.registry.ListDevices(ctx, token)
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("device list refresh failed")

			return
		}

		online := make([]string, 0, len(devices))
		for _, d := range devices {
			if d.IsOnline {
				online = append(online, fmt.Sprintf("%s (%s)", d.DeviceName, d.DeviceID))
			}
		}

		log.Infof("online devices: %v", online)
	}()
}

func (a *App) listenOS(ctx context.Context, cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigchan)

	select {
	case <-sigchan:
		cancel()
	case <-ctx.Done():
	}
}
