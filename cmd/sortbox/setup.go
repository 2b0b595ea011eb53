package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"

	"sortbox/internal/config"
	"sortbox/internal/credential"
	"sortbox/internal/model"
)

type setupAnswers struct {
	provider   string
	host       string
	port       string
	username   string
	password   string
	security   string
	aiKind     string
	aiModel    string
	aiBaseURL  string
	aiKey      string
	imapFolder string
}

const (
	securityTLS      = "tls"
	securityStartTLS = "starttls"
	securityNone     = "none"
)

func answersFrom(cfg *config.Config) setupAnswers {
	ic := cfg.Provider.IMAP
	sec := securityNone
	switch {
	case ic.TLS:
		sec = securityTLS
	case ic.StartTLS:
		sec = securityStartTLS
	}
	return setupAnswers{
		provider:   cfg.Provider.Kind,
		host:       ic.Host,
		port:       strconv.Itoa(ic.Port),
		username:   ic.Username,
		security:   sec,
		imapFolder: ic.Mailbox,
		aiKind:     cfg.AI.Kind,
		aiModel:    cfg.AI.Model,
		aiBaseURL:  cfg.AI.BaseURL,
	}
}

// apply copies the answers into cfg.
func (a setupAnswers) apply(cfg *config.Config) error {
	cfg.Provider.Kind = a.provider
	if a.provider == config.ProviderIMAP {
		port, err := strconv.Atoi(a.port)
		if err != nil {
			return fmt.Errorf("invalid port %q", a.port)
		}
		cfg.Provider.IMAP = config.IMAPConfig{
			Host:     a.host,
			Port:     port,
			Username: a.username,
			TLS:      a.security == securityTLS,
			StartTLS: a.security == securityStartTLS,
			Mailbox:  a.imapFolder,
		}
	}
	cfg.AI.Kind = a.aiKind
	cfg.AI.Model = a.aiModel
	cfg.AI.BaseURL = a.aiBaseURL
	return cfg.Validate()
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

func notEmpty(s string) error {
	if s == "" {
		return errors.New("required")
	}
	return nil
}

func setupForm(a *setupAnswers) *huh.Form {
	notIMAP := func() bool { return a.provider != config.ProviderIMAP }
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Mail provider").
				Options(
					huh.NewOption("Gmail (browser login)", config.ProviderGmail),
					huh.NewOption("IMAP server", config.ProviderIMAP),
				).
				Value(&a.provider),
		),
		huh.NewGroup(
			huh.NewInput().Title("IMAP host").Value(&a.host).Validate(notEmpty),
			huh.NewInput().Title("Port").Value(&a.port).Validate(validatePort),
			huh.NewSelect[string]().
				Title("Security").
				Options(
					huh.NewOption("TLS", securityTLS),
					huh.NewOption("STARTTLS", securityStartTLS),
					huh.NewOption("None (local testing only)", securityNone),
				).
				Value(&a.security),
			huh.NewInput().Title("Username").Value(&a.username).Validate(notEmpty),
			huh.NewInput().
				Title("Password").
				Description("Leave empty to keep the saved password.").
				EchoMode(huh.EchoModePassword).
				Value(&a.password),
			huh.NewInput().Title("Folder").Value(&a.imapFolder),
		).WithHideFunc(notIMAP),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("AI classifier").
				Options(
					huh.NewOption("Anthropic", string(model.AIProviderAnthropic)),
					huh.NewOption("OpenAI-compatible", string(model.AIProviderOpenAI)),
				).
				Value(&a.aiKind),
			huh.NewInput().Title("Model").Value(&a.aiModel).Validate(notEmpty),
			huh.NewInput().
				Title("Base URL").
				Description("Leave empty for the provider's public API.").
				Value(&a.aiBaseURL),
			huh.NewInput().
				Title("API key").
				Description("Leave empty to keep the saved key.").
				EchoMode(huh.EchoModePassword).
				Value(&a.aiKey),
		),
	)
}

func runSetup(cfgPath string) error {
	e, err := openEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	a := answersFrom(e.cfg)
	if err := setupForm(&a).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}
	if err := a.apply(e.cfg); err != nil {
		return err
	}
	if err := config.Save(cfgPath, e.cfg); err != nil {
		return err
	}

	if a.provider == config.ProviderIMAP && a.password != "" {
		if err := e.ring.Set(credential.KeyIMAPPassword, a.password); err != nil {
			return err
		}
	}
	ai := model.AIConfig{
		Kind:          model.AIProviderKind(a.aiKind),
		Model:         a.aiModel,
		BaseURL:       a.aiBaseURL,
		CredentialKey: credential.AIKey(a.aiKind),
	}
	if a.aiKey != "" {
		if err := e.ring.Set(ai.CredentialKey, a.aiKey); err != nil {
			return err
		}
	}
	if err := e.store.SetAIConfig(context.Background(), ai); err != nil {
		return err
	}
	e.log.Infof("setup saved: provider %s, classifier %s/%s", a.provider, a.aiKind, a.aiModel)
	fmt.Printf("Saved %s.\n", cfgPath)
	return nil
}
