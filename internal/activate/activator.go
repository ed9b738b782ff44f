// Package activate logs bots into the target site by solving its login
// challenge, producing the session tokens scheduling depends on.
package activate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

// Activator runs the challenge-solve login loop for one bot at a time.
// Attempts are grouped into epochs; after a full epoch of failures the
// activator cools down before trying again.
type Activator struct {
	cfg     config.ActivatorConfig
	solver  scanner.ChallengeSolver
	factory SiteFactory
	prompt  string
	log     *zap.Logger
}

// NewActivator builds an Activator. The prompt is sent to the solver
// alongside each challenge image.
func NewActivator(cfg config.ActivatorConfig, solver scanner.ChallengeSolver, factory SiteFactory, prompt string, log *zap.Logger) *Activator {
	return &Activator{
		cfg:     cfg,
		solver:  solver,
		factory: factory,
		prompt:  prompt,
		log:     log,
	}
}

// Activate logs the bot in and returns its session token. It keeps
// trying through cooldown epochs until the context is canceled; only
// rejected credentials end it early, as scanner.ErrInvalidCredentials.
func (a *Activator) Activate(ctx context.Context, bot scanner.BotIdentity) (string, error) {
	site, err := a.factory(bot)
	if err != nil {
		return "", fmt.Errorf("build site client for %s: %w", bot.Username, err)
	}

	cooldown := time.Duration(a.cfg.CooldownSeconds) * time.Second
	for epoch := 1; ; epoch++ {
		session, err := a.runEpoch(ctx, site, bot, epoch)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, scanner.ErrInvalidCredentials) || ctx.Err() != nil {
			return "", err
		}

		a.log.Warn("activation epoch exhausted, cooling down",
			zap.String("bot", bot.Username),
			zap.Int("epoch", epoch),
			zap.Duration("cooldown", cooldown),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(cooldown):
		}
	}
}

// runEpoch makes up to MaxAttempts solve-and-submit passes.
func (a *Activator) runEpoch(ctx context.Context, site Site, bot scanner.BotIdentity, epoch int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		session, err := a.attempt(ctx, site, bot)
		if err == nil {
			a.log.Info("bot activated",
				zap.String("bot", bot.Username),
				zap.Int("epoch", epoch),
				zap.Int("attempt", attempt),
			)
			return session, nil
		}
		if errors.Is(err, scanner.ErrInvalidCredentials) {
			telemetry.ObserveCaptchaAttempt("bad_credentials")
			return "", err
		}
		lastErr = err
		a.log.Debug("activation attempt failed",
			zap.String("bot", bot.Username),
			zap.Int("epoch", epoch),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("epoch %d exhausted: %w", epoch, lastErr)
}

func (a *Activator) attempt(ctx context.Context, site Site, bot scanner.BotIdentity) (string, error) {
	challenge, err := site.FetchChallenge(ctx)
	if err != nil {
		telemetry.ObserveCaptchaAttempt("fetch_error")
		return "", fmt.Errorf("fetch challenge: %w", err)
	}

	prepared, err := PrepareImage(challenge.Image)
	if err != nil {
		telemetry.ObserveCaptchaAttempt("bad_image")
		return "", err
	}

	answer, err := a.solver.Solve(ctx, prepared, a.prompt)
	if err != nil {
		telemetry.ObserveCaptchaAttempt("solver_error")
		return "", fmt.Errorf("solve challenge: %w", err)
	}

	code, err := ExtractCode(answer)
	if err != nil {
		telemetry.ObserveCaptchaAttempt("unreadable")
		return "", fmt.Errorf("extract code: %w", err)
	}

	result, err := site.SubmitLogin(ctx, bot.Username, bot.Password, code, challenge.HiddenFields)
	if err != nil {
		telemetry.ObserveCaptchaAttempt("submit_error")
		return "", fmt.Errorf("submit login: %w", err)
	}
	switch {
	case result.BadCredentials:
		return "", scanner.ErrInvalidCredentials
	case result.Session != "":
		telemetry.ObserveCaptchaAttempt("success")
		return result.Session, nil
	default:
		telemetry.ObserveCaptchaAttempt("wrong_code")
		return "", fmt.Errorf("challenge answer rejected")
	}
}
