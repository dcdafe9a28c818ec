package app

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/marketbench-backend/internal/platform/lease"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/openai"
	"github.com/yungbote/marketbench-backend/internal/platform/sendgrid"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
	"github.com/yungbote/marketbench-backend/internal/temporalx"
)

type Clients struct {
	OpenAI   openai.Client
	Stripe   stripe.Gateway
	SendGrid sendgrid.Client
	Locker   lease.Locker
	Temporal temporalsdkclient.Client

	closers []func() error
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var c Clients

	ai, err := openai.NewClient(log, cfg.OpenAI)
	if err != nil {
		return c, fmt.Errorf("init openai client: %w", err)
	}
	c.OpenAI = ai

	gw, err := stripe.NewGateway(log, cfg.Stripe)
	if err != nil {
		return c, fmt.Errorf("init stripe gateway: %w", err)
	}
	c.Stripe = gw

	if cfg.SendGrid.Enabled() {
		mail, err := sendgrid.New(log, cfg.SendGrid)
		if err != nil {
			return c, fmt.Errorf("init sendgrid client: %w", err)
		}
		c.SendGrid = mail
	} else {
		log.Warn("SENDGRID_API_KEY not set; payment emails disabled")
	}

	// A shared lease only matters with more than one API replica.
	if cfg.Redis.Addr != "" {
		locker, closeFn, err := lease.NewRedisLocker(log, cfg.Redis)
		if err != nil {
			return c, fmt.Errorf("init redis lease: %w", err)
		}
		c.Locker = locker
		c.closers = append(c.closers, closeFn)
	} else {
		log.Info("REDIS_ADDR not set; using in-process generation lease")
		c.Locker = lease.NewLocalLocker()
	}

	tc, err := temporalx.NewClient(ctx, log, cfg.Temporal)
	if err != nil {
		c.Close()
		return c, fmt.Errorf("init temporal client: %w", err)
	}
	if tc != nil {
		c.Temporal = tc
		c.closers = append(c.closers, func() error { tc.Close(); return nil })
	}
	return c, nil
}

func (c *Clients) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
	c.closers = nil
}
