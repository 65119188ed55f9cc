// Package worker assembles the session & delivery engine: queue servers,
// session manager, dispatchers, reconnect sweeper and the operational
// shell.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/app"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/authstate"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/dispatch"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/pipeline"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/queue"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/session"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/vault"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/pkg/metrics"
)

// presencePoolSize bounds the shared best-effort side-effect pool.
const presencePoolSize = 64

// Worker is one session & delivery engine process.
type Worker struct {
	appCtx  app.AppContext
	queues  *queue.Queues
	servers []*queue.Server
	manager *session.Manager
	pool    *ants.Pool
	health  *echo.Echo
	sweeper *Sweeper
	crash   *CrashHandler
}

// New builds the worker. A missing or malformed encryption key is a
// startup-fatal configuration error.
func New(a app.AppContext, dialer transport.Dialer) (*Worker, error) {
	cfg := a.Config()

	v, err := vault.New(cfg.Worker.AuthEncKeyB64)
	if err != nil {
		return nil, errors.Wrap(err, "worker: WA_AUTH_ENC_KEY_B64")
	}

	store := authstate.NewStore(a.DB(), v)
	manager := session.NewManager(a.DB(), store, dialer, a.Bus())

	pool, err := ants.NewPool(presencePoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "worker: presence pool")
	}

	queues, err := queue.NewQueues(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	manager.SetInbound(pipeline.New(a.DB(), queues, pool, cfg.Worker.InboundAckMessage))

	outbound := dispatch.NewOutbound(a.DB(), manager,
		time.Duration(cfg.Worker.ComposingBeforeSendMs)*time.Millisecond)
	webhook := dispatch.NewWebhook(a.DB())
	commands := NewCommands(manager)

	cmdSrv, err := queue.NewServer(cfg.Redis.URL, queue.ServerConfig{
		Queue:       queue.QueueDeviceCommands,
		Concurrency: queue.CommandConcurrency,
		MaxAttempts: queue.CommandMaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	cmdSrv.Handle(queue.TaskConnect, commands.HandleConnect)
	cmdSrv.Handle(queue.TaskDisconnect, commands.HandleDisconnect)
	cmdSrv.Handle(queue.TaskResetSenderSessions, commands.HandleResetSenderSessions)

	outSrv, err := queue.NewServer(cfg.Redis.URL, queue.ServerConfig{
		Queue:       queue.QueueOutboundMessages,
		Concurrency: queue.OutboundConcurrency,
		MaxAttempts: queue.OutboundMaxAttempts,
		OnFailure:   outbound.OnSendFailure,
	})
	if err != nil {
		return nil, err
	}
	outSrv.Handle(queue.TaskSend, outbound.HandleSend)

	webSrv, err := queue.NewServer(cfg.Redis.URL, queue.ServerConfig{
		Queue:       queue.QueueWebhookDispatch,
		Concurrency: queue.WebhookConcurrency,
		MaxAttempts: queue.WebhookMaxAttempts,
		OnFailure:   webhook.OnDeliverFailure,
	})
	if err != nil {
		return nil, err
	}
	webSrv.Handle(queue.TaskDeliver, webhook.HandleDeliver)

	w := &Worker{
		appCtx:  a,
		queues:  queues,
		servers: []*queue.Server{cmdSrv, outSrv, webSrv},
		manager: manager,
		pool:    pool,
		health:  NewHealthServer(),
		sweeper: NewSweeper(a.DB(), manager,
			time.Duration(cfg.Worker.ReconnectAllDelayMs)*time.Millisecond,
			time.Duration(cfg.Worker.ReconnectStaggerMs)*time.Millisecond),
		crash: NewCrashHandler(cfg.Smtp),
	}

	a.RegisterHeartbeat(func() {
		count := w.manager.Count()
		metrics.SetGauge("worker_sessions", int64(count))
		zap.L().Info("worker: heartbeat", zap.Int("live_sessions", count))
	})

	return w, nil
}

// Manager exposes the session registry, primarily for command wiring.
func (w *Worker) Manager() *session.Manager {
	return w.manager
}

// Crash returns the uncaught-error classifier.
func (w *Worker) Crash() *CrashHandler {
	return w.crash
}

// Run starts the queue servers, health endpoint and reconnect sweep, then
// blocks until ctx is cancelled or a service fails.
func (w *Worker) Run(ctx context.Context) error {
	for _, srv := range w.servers {
		if err := srv.Start(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", w.appCtx.Config().Worker.HealthPort)
		if err := w.health.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "worker: health server")
		}
		return nil
	})

	g.Go(func() error {
		w.sweeper.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		w.shutdown()
		return nil
	})

	return g.Wait()
}

func (w *Worker) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = w.health.Shutdown(shutdownCtx)
	for _, srv := range w.servers {
		srv.Shutdown()
	}
	_ = w.queues.Close()
	w.pool.Release()
}
