package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"splitter-service/internal/logger"

	"github.com/redis/go-redis/v9"
)

// Redis keys and channels for the splitter control surface.
const (
	statusHash       = "splitter"
	statusChannel    = "splitter"
	telemetryList    = "splitter:telemetry"
	telemetryMaxKeep = 10000

	sequenceCommandList = "splitter:sequence"
	relayCommandList    = "splitter:relay"
	safetyCommandList   = "splitter:safety"
	modeCommandList     = "splitter:mode"
)

// Callbacks route inbound operator commands into the control loop.
type Callbacks struct {
	SequenceCallback func(string) error // "extend", "retract", "stop", "abort", "reset", "enable", "disable"
	RelayCallback    func(string) error // "R<n> ON|OFF|1|0"
	SafetyCallback   func(string) error // "clear"
	ModeCallback     func(string) error // "recover", "safe"
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		logger: l.WithTag("redis"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Connecting to Redis at %s", r.client.Options().Addr)
	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Connected to Redis")
	return nil
}

// StartListening starts the command list listeners. Called after the
// control loop is up so commands never race initialization.
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis command listeners")

	r.wg.Add(4)
	go r.listCommandListener(sequenceCommandList, r.handleSequenceCommand)
	go r.listCommandListener(relayCommandList, r.handleRelayCommand)
	go r.listCommandListener(safetyCommandList, r.handleSafetyCommand)
	go r.listCommandListener(modeCommandList, r.handleModeCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// BRPOP with a short timeout so context cancellation is
			// noticed between commands.
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if err == context.Canceled {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				continue
			}
			if len(result) >= 2 { // BRPOP returns [key, value]
				value := result[1]
				r.logger.Debugf("Received command from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("Error handling %s command: %v", key, err)
				}
			}
		}
	}
}

func (r *RedisClient) handleSequenceCommand(value string) error {
	if r.callbacks.SequenceCallback == nil {
		return nil
	}
	switch value {
	case "extend", "retract", "stop", "abort", "reset", "enable", "disable":
		return r.callbacks.SequenceCallback(value)
	default:
		r.logger.Infof("Invalid sequence command value: %s", value)
		return fmt.Errorf("invalid sequence command: %s", value)
	}
}

func (r *RedisClient) handleRelayCommand(value string) error {
	if r.callbacks.RelayCallback == nil {
		return nil
	}
	// Token validation happens in the relay controller parser.
	return r.callbacks.RelayCallback(value)
}

func (r *RedisClient) handleSafetyCommand(value string) error {
	if r.callbacks.SafetyCallback == nil {
		return nil
	}
	switch value {
	case "clear":
		return r.callbacks.SafetyCallback(value)
	default:
		r.logger.Infof("Invalid safety command value: %s", value)
		return fmt.Errorf("invalid safety command: %s", value)
	}
}

func (r *RedisClient) handleModeCommand(value string) error {
	if r.callbacks.ModeCallback == nil {
		return nil
	}
	switch value {
	case "recover", "safe":
		return r.callbacks.ModeCallback(value)
	default:
		r.logger.Infof("Invalid mode command value: %s", value)
		return fmt.Errorf("invalid mode command: %s", value)
	}
}

// publishHashSet stores a status field and notifies subscribers that
// it changed.
func (r *RedisClient) publishHashSet(field, value string) error {
	if _, err := r.client.HSet(r.ctx, statusHash, field, value).Result(); err != nil {
		return err
	}
	return r.client.Publish(r.ctx, statusChannel, field).Err()
}

func (r *RedisClient) PublishSequenceStatus(status string) error {
	if err := r.publishHashSet("sequence", status); err != nil {
		r.logger.Warnf("Failed to publish sequence status: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishSafetyStatus(status string) error {
	if err := r.publishHashSet("safety", status); err != nil {
		r.logger.Warnf("Failed to publish safety status: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishRelayStatus(status string) error {
	if err := r.publishHashSet("relays", status); err != nil {
		r.logger.Warnf("Failed to publish relay status: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishErrorStatus(status string) error {
	if err := r.publishHashSet("errors", status); err != nil {
		r.logger.Warnf("Failed to publish error status: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishPressure(psi float64) error {
	if _, err := r.client.HSet(r.ctx, statusHash, "pressure", fmt.Sprintf("%.1f", psi)).Result(); err != nil {
		r.logger.Warnf("Failed to publish pressure: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishMode(mode string) error {
	if err := r.publishHashSet("mode", mode); err != nil {
		r.logger.Warnf("Failed to publish mode: %v", err)
		return err
	}
	return nil
}

// PublishTelemetry appends a binary telemetry record, trimming the
// list to a bounded length.
func (r *RedisClient) PublishTelemetry(record []byte) error {
	pipe := r.client.Pipeline()
	pipe.RPush(r.ctx, telemetryList, record)
	pipe.LTrim(r.ctx, telemetryList, -telemetryMaxKeep, -1)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Debugf("Failed to publish telemetry record: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}
