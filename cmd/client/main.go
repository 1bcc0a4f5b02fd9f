package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atinyakov/GophChat/internal/client/crypt"
	"github.com/atinyakov/GophChat/internal/client/directory"
	"github.com/atinyakov/GophChat/internal/client/session"
	"github.com/atinyakov/GophChat/internal/client/storage"
	"github.com/atinyakov/GophChat/internal/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sweepInterval = time.Minute

var (
	version   string
	buildDate string
)

// main parses command-line flags and dispatches to the register or shell commands.
func main() {
	var (
		cmd      string
		baseURL  string
		userID   string
		dataDir  string
		certFile string
		keyFile  string
		caFile   string
		logLevel string
		showVer  bool
	)

	flag.StringVar(&cmd, "cmd", "shell", "command: register | shell")
	flag.StringVar(&baseURL, "url", "https://localhost:8080", "server base URL")
	flag.StringVar(&userID, "user", "", "user id (register: login to create; shell: defaults to the certificate's)")
	flag.StringVar(&dataDir, "data", ".gophchat", "directory for local state")
	flag.StringVar(&certFile, "cert", "", "path to client cert")
	flag.StringVar(&keyFile, "key", "", "path to client key")
	flag.StringVar(&caFile, "ca", "", "path to CA cert")
	flag.StringVar(&logLevel, "l", "error", "log level")
	flag.BoolVar(&showVer, "version", false, "show build version and date")
	flag.Parse()

	if showVer {
		fmt.Printf("GophChat Client\nVersion: %s\nBuild Date: %s\n", version, buildDate)
		return
	}

	lg := logger.New()
	if err := lg.Init(logLevel); err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Log.Sync() }()

	tlsCfg, err := directory.TLSConfig(certFile, keyFile, caFile)
	if err != nil {
		log.Fatal(err)
	}
	dir := directory.New(baseURL, tlsCfg)

	switch cmd {
	case "register":
		if userID == "" {
			log.Fatal("please provide -user=login")
		}
		if err := register(dir, dataDir, userID); err != nil {
			log.Fatal(err)
		}
	case "shell":
		if userID == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			userID, err = dir.Login(ctx)
			cancel()
			if err != nil {
				log.Fatalf("no -user given and certificate login failed: %v", err)
			}
		}
		wsEndpoint, err := wsURL(baseURL)
		if err != nil {
			log.Fatal(err)
		}
		dialer := &websocket.Dialer{TLSClientConfig: tlsCfg, HandshakeTimeout: session.DefaultConnectTimeout}
		if err := shell(dir, dialer, wsEndpoint, dataDir, userID, lg.Log); err != nil {
			log.Fatal(err)
		}
	default:
		log.Fatalf("unknown command: %s", cmd)
	}
}

func register(dir *directory.Client, dataDir, login string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	creds, err := dir.Register(ctx, login)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s\n", login)
	if creds.Cert == "" {
		return nil
	}
	certPath, keyPath, err := directory.SaveCredentials(dataDir, login, creds)
	if err != nil {
		return err
	}
	fmt.Printf("Device certificate saved to %s and %s\n", certPath, keyPath)
	return nil
}

// shell wires the local stores and the session coordinator, then runs the
// REPL until exit or end of input.
func shell(dir *directory.Client, dialer session.Dialer, wsEndpoint, dataDir, userID string, zl *zap.Logger) error {
	kv, err := storage.NewFileKV(filepath.Join(dataDir, userID))
	if err != nil {
		return err
	}
	// The session key lives only as long as this process.
	sessionKeys := storage.NewMemoryKV()
	cipher, err := crypt.NewSessionService(sessionKeys)
	if err != nil {
		return err
	}
	store := storage.NewMessageStore(kv, cipher, storage.WithLogger(zl))

	coord, err := session.New(session.Options{
		URL:    wsEndpoint,
		UserID: userID,
		Dialer: dialer,
		Logger: zl,
	}, session.Deps{Store: store, Settings: storage.NewSettings(kv), SessionKeys: sessionKeys})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	storage.StartExpirySweeper(ctx, store, sweepInterval, zl)

	sub := coord.Subscribe(session.DefaultSubscriptionBuffer)
	defer sub.Cancel()
	coord.Start()
	defer coord.Close()

	r := &repl{chat: coord, dir: dir, in: os.Stdin, out: os.Stdout}
	return r.run(ctx, sub.Events())
}

// wsURL maps the server's base URL onto its websocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
