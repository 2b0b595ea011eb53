package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gologme/log"

	"sortbox/internal/classify"
	"sortbox/internal/config"
	"sortbox/internal/credential"
	"sortbox/internal/gmail"
	"sortbox/internal/imapsrc"
	"sortbox/internal/logging"
	"sortbox/internal/model"
	"sortbox/internal/store"
	"sortbox/internal/tui"
)

const dbFile = "sortbox.db"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: sortbox [-config path] [command]

Commands:
  (none)   open the tranche dashboard
  status   print tranche progress
  setup    choose the mail provider and the AI classifier
  reset    delete all tranches, harvested messages and the saved login

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to configuration file")
	flag.Usage = usage
	flag.Parse()

	cmd := "tui"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	var err error
	switch cmd {
	case "tui":
		err = runTUI(*configPath)
	case "status":
		err = runStatus(*configPath)
	case "setup":
		err = runSetup(*configPath)
	case "reset":
		err = runReset(*configPath, flag.Args()[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles what every command opens: config, log, keyring and store.
type env struct {
	cfgPath string
	cfg     *config.Config
	log     *log.Logger
	ring    *credential.Ring
	store   *store.SQLiteStore
	closers []io.Closer
}

func openEnv(cfgPath string) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cfgPath)
	l, logFile, err := logging.Open(dir, "sortbox", cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	e := &env{cfgPath: cfgPath, cfg: cfg, log: l, closers: []io.Closer{logFile}}

	e.ring, err = credential.Open()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store, err = store.NewSQLiteStore(filepath.Join(dir, dbFile))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	e.closers = append([]io.Closer{e.store}, e.closers...)
	return e, nil
}

func (e *env) Close() {
	for _, c := range e.closers {
		c.Close()
	}
}

// connect opens the configured mailbox. Gmail may run the browser login,
// reporting through the TUI channels.
func (e *env) connect(ctx context.Context, uiEvents chan<- interface{}, userResponses <-chan string) (tui.Session, error) {
	switch e.cfg.Provider.Kind {
	case config.ProviderIMAP:
		ic := e.cfg.Provider.IMAP
		pw, err := e.ring.Get(credential.KeyIMAPPassword)
		if errors.Is(err, credential.ErrNotFound) {
			return nil, errors.New("no IMAP password saved; run sortbox setup")
		}
		if err != nil {
			return nil, err
		}
		sec := imapsrc.SecurityNone
		switch {
		case ic.TLS:
			sec = imapsrc.SecurityTLS
		case ic.StartTLS:
			sec = imapsrc.SecurityStartTLS
		}
		e.log.Infof("connecting to IMAP %s as %s", ic.Addr(), ic.Username)
		return imapsrc.New(imapsrc.Options{
			Host:     ic.Host,
			Port:     ic.Port,
			Username: ic.Username,
			Password: pw,
			Mailbox:  ic.Mailbox,
			Security: sec,
		}), nil
	default:
		svc, err := gmail.NewServiceInteractive(ctx, filepath.Dir(e.cfgPath), gmail.NewKeyringTokens(e.ring), uiEvents, userResponses)
		if err != nil {
			return nil, err
		}
		return gmail.NewMailbox(svc), nil
	}
}

// aiConfig prefers the selection saved by setup over the config file.
func (e *env) aiConfig(ctx context.Context) (model.AIConfig, error) {
	saved, err := e.store.AIConfig(ctx)
	if err != nil {
		return model.AIConfig{}, err
	}
	if saved != nil {
		return *saved, nil
	}
	return model.AIConfig{
		Kind:          model.AIProviderKind(e.cfg.AI.Kind),
		Model:         e.cfg.AI.Model,
		BaseURL:       e.cfg.AI.BaseURL,
		CredentialKey: credential.AIKey(e.cfg.AI.Kind),
	}, nil
}

// classifier returns nil when no API key is stored.
func (e *env) classifier(ctx context.Context) classify.Classifier {
	ac, err := e.aiConfig(ctx)
	if err != nil {
		e.log.Warnf("load ai config: %v", err)
		return nil
	}
	key, err := e.ring.Get(ac.CredentialKey)
	if err != nil {
		e.log.Infof("classification disabled: %v", err)
		return nil
	}
	c, err := classify.New(ac, key)
	if err != nil {
		e.log.Warnf("classification disabled: %v", err)
		return nil
	}
	return c
}

func runTUI(cfgPath string) error {
	e, err := openEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()
	e.log.Infof("sortbox starting, provider %s", e.cfg.Provider.Kind)

	appModel := tui.NewAppModel(tui.Deps{
		Store:      e.store,
		Harvest:    e.cfg.Harvest.Scheduler(),
		Connect:    e.connect,
		Log:        e.log,
		Classifier: e.classifier(context.Background()),
		BatchSize:  e.cfg.AI.BatchSize,
		OnReset:    e.forgetLogin,
	})
	p := tea.NewProgram(&appModel, tea.WithAltScreen())
	appModel.SetProgram(p)
	finalModel, err := p.Run()
	if cerr := appModel.Close(); cerr != nil {
		e.log.Warnf("close session: %v", cerr)
	}
	if err != nil {
		return fmt.Errorf("alas, there's been an error: %w", err)
	}
	if m, ok := finalModel.(*tui.AppModel); ok && m.Err != nil {
		return m.Err
	}
	return nil
}

// forgetLogin drops the cached OAuth token so the next start logs in again.
func (e *env) forgetLogin() error {
	if err := e.ring.Delete(credential.KeyGmailToken); err != nil {
		return fmt.Errorf("delete saved login: %w", err)
	}
	return nil
}
