package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stepflow/internal/batch"
	"github.com/shaiso/Stepflow/internal/config"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/mq"
	"github.com/shaiso/Stepflow/internal/rules"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// Имена batch-систем.
const (
	SystemExec = "exec"
	SystemAMQP = "amqp"
)

// App — общее состояние команд после разбора флагов.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Out      *Output
	Registry *engine.Registry

	workflows []*engine.Workflow
}

// Flags — глобальные флаги CLI.
type Flags struct {
	ConfigPath string
	Root       string
	Rules      string
	JSON       bool
}

// NewApp загружает конфигурацию и строит реестр с workflows.
func NewApp(flags Flags, workflows []*engine.Workflow, stdout, stderr io.Writer, observers ...engine.Observer) (*App, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.Root != "" {
		cfg.Root = flags.Root
	}
	if flags.Rules != "" {
		cfg.Rules = flags.Rules
	}

	logger := telemetry.SetupLogger(stderr)

	registry := engine.NewRegistry(engine.Config{
		Root:         cfg.Root,
		CheckUpdated: cfg.CheckUpdated,
		Observers:    observers,
		Logger:       logger,
	})
	for _, wf := range workflows {
		if err := registry.Register(wf); err != nil {
			return nil, err
		}
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Out:       NewOutputTo(flags.JSON, stdout, stderr),
		Registry:  registry,
		workflows: workflows,
	}, nil
}

// Build строит job по цели workflow#task и входам key=value.
func (a *App) Build(target string, pairs []string) (*engine.Job, error) {
	workflow, task, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	inputs, err := ParseInputs(pairs)
	if err != nil {
		return nil, err
	}
	return a.Registry.Build(workflow, task, inputs)
}

// Rules загружает документ правил; без пути — пустой документ.
func (a *App) Rules() (*rules.Document, error) {
	if a.Config.Rules == "" {
		return rules.NewDocument(), nil
	}
	return rules.Load(a.Config.Rules)
}

// Systems строит реестр batch-систем: exec и amqp (подключение
// к RabbitMQ откладывается до первой отправки). close закрывает
// соединение, если оно было открыто.
func (a *App) Systems() (systems *batch.Registry, closeFn func(), err error) {
	systems = batch.NewRegistry()

	execSys, err := batch.NewExecSystem(batch.ExecConfig{
		Command: a.Config.Exec.Command,
		Detach:  a.Config.ExecDetach(),
		Logger:  a.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := systems.Register(SystemExec, execSys); err != nil {
		return nil, nil, err
	}

	pub := &lazyPublisher{url: a.Config.AMQP.URL, logger: a.Logger}
	if err := systems.Register(SystemAMQP, batch.NewAMQPSystem(pub, a.Logger)); err != nil {
		return nil, nil, err
	}
	return systems, pub.close, nil
}

// lazyPublisher подключается к RabbitMQ при первой публикации.
type lazyPublisher struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *mq.Connection
	pub  *mq.Publisher
}

func (p *lazyPublisher) PublishJSON(ctx context.Context, exchange mq.Exchange, key mq.RoutingKey, msgType mq.MessageType, payload any) (string, error) {
	p.mu.Lock()
	if p.pub == nil {
		conn, err := mq.NewConnection(p.url, p.logger)
		if err != nil {
			p.mu.Unlock()
			return "", fmt.Errorf("connect amqp: %w", err)
		}
		if err := mq.SetupTopology(conn); err != nil {
			conn.Close()
			p.mu.Unlock()
			return "", fmt.Errorf("setup topology: %w", err)
		}
		p.conn = conn
		p.pub = mq.NewPublisher(conn, p.logger)
	}
	pub := p.pub
	p.mu.Unlock()

	return pub.PublishJSON(ctx, exchange, key, msgType, payload)
}

func (p *lazyPublisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("close amqp connection", "error", err)
		}
	}
}

// appFunc лениво создаёт App после разбора флагов.
type appFunc func(cmd *cobra.Command, observers ...engine.Observer) (*App, error)
