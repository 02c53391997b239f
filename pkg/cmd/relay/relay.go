package relay

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/cmd/common"
	"github.com/stleox/spanflow/pkg/config"
	pkgrelay "github.com/stleox/spanflow/pkg/relay"
	"github.com/stleox/spanflow/pkg/tracer"
)

const (
	RoleMessageService = "message-service"
	RoleMessageClient  = "message-client"
)

var relayFlags = pflag.NewFlagSet("relay", pflag.ContinueOnError)

func init() {
	relayFlags.String("role", config.RelayRole, "Sample service to run: message-service or message-client")
	relayFlags.String("listen", config.RelayListen, "Address of the sample service")
	relayFlags.String("service-url", config.RelayServiceURL, "Base URL of message-service, used by message-client")
}

func New(vp *viper.Viper) *cobra.Command {
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Run a sample service that relays trace context over HTTP and the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `relay`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if !config.Debug {
				gin.SetMode(gin.ReleaseMode)
			}
			service := config.ServiceName
			if service == config.NameUnknown {
				service = config.RelayRole
			}

			// init bus
			b, err := common.GetBus()
			if err != nil {
				return err
			}
			defer b.Close()

			// init recorder
			recorder, cleanup, err := common.GetRecorder(service, b)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := common.ShutdownContext()
				defer cancel()
				if err := cleanup(shutdownCtx); err != nil {
					logrus.WithError(err).Warn("SpanFlow couldn't flush all spans on exit")
				}
			}()

			rl := pkgrelay.New(recorder, b)
			router := gin.New()
			router.Use(gin.Recovery(), rl.GinMiddleware())

			switch config.RelayRole {
			case RoleMessageService:
				routeMessageService(router, rl)
			case RoleMessageClient:
				unsubscribe, err := rl.Consume(ctx, config.MessageTopic, logMessage)
				if err != nil {
					return err
				}
				defer unsubscribe()
				routeMessageClient(router, rl)
			default:
				return fmt.Errorf("unknown relay role: %s", config.RelayRole)
			}

			logrus.WithFields(logrus.Fields{
				"role":    config.RelayRole,
				"service": service,
			}).Info("SpanFlow relay is ready")
			return common.Serve(ctx, config.RelayListen, router)
		},
	}

	relay.Flags().AddFlagSet(relayFlags)
	_ = vp.BindPFlag("relay.role", relayFlags.Lookup("role"))
	_ = vp.BindPFlag("relay.listen", relayFlags.Lookup("listen"))
	_ = vp.BindPFlag("relay.service-url", relayFlags.Lookup("service-url"))
	return relay
}

// routeMessageService answers GET / and publishes the same message on the bus.
func routeMessageService(router *gin.Engine, rl *pkgrelay.Relay) {
	router.GET("/", func(c *gin.Context) {
		ctx := c.Request.Context()
		message := fmt.Sprintf("Hi, from a REST endpoint: %d", time.Now().UnixMilli())

		resp := gin.H{"message": message}
		for _, key := range []string{config.KeyTraceID, config.KeySpanID, config.KeyParentSpanID, config.KeySampled} {
			if v := c.GetHeader(key); v != "" {
				resp[key] = v
			}
		}

		if err := rl.Publish(ctx, config.MessageTopic, []byte(message), nil); err != nil {
			logrus.WithError(err).Warn("SpanFlow couldn't publish the message")
		}
		c.JSON(http.StatusOK, resp)
	})
}

// messageServiceClient is a typed client of message-service.
type messageServiceClient struct {
	http    *pkgrelay.HTTPClient
	baseURL string
}

type messageReply struct {
	Message      string `json:"message"`
	TraceID      string `json:"trace-id"`
	SpanID       string `json:"span-id"`
	ParentSpanID string `json:"parent-span-id,omitempty"`
	Sampled      string `json:"sampled"`
}

func (c *messageServiceClient) Message(ctx context.Context) (*messageReply, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("message-service answered %d", resp.StatusCode())
	}
	var reply messageReply
	if err := jsoniter.Unmarshal(resp.Body(), &reply); err != nil {
		return nil, fmt.Errorf("decoding message-service reply: %w", err)
	}
	return &reply, nil
}

// routeMessageClient calls message-service synchronously, either passing the
// raw reply through or via the typed client, or fetches http://<domain>.com.
// All calls go through the tracing HTTP client.
func routeMessageClient(router *gin.Engine, rl *pkgrelay.Relay) {
	client := rl.NewHTTPClient(nil)
	typed := &messageServiceClient{http: client, baseURL: config.RelayServiceURL}

	router.GET("/message/call", func(c *gin.Context) {
		resp, err := client.Get(c.Request.Context(), config.RelayServiceURL+"/")
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(resp.StatusCode(), resp.Header().Get("Content-Type"), resp.Body())
	})

	router.GET("/message/client", func(c *gin.Context) {
		ctx := c.Request.Context()
		reply, err := typed.Message(ctx)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		logTraceIDs(ctx, "message-service said: "+reply.Message)
		c.JSON(http.StatusOK, reply)
	})

	router.GET("/message/:domain", func(c *gin.Context) {
		ctx := c.Request.Context()
		url := fmt.Sprintf("http://%s.com", c.Param("domain"))
		resp, err := client.Get(ctx, url)
		logTraceIDs(ctx, "fetched "+url)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, "%s answered %d", url, resp.StatusCode())
	})
}

func logMessage(ctx context.Context, msg *bus.Message) error {
	logTraceIDs(ctx, "received message: "+string(msg.Payload))
	return nil
}

func logTraceIDs(ctx context.Context, msg string) {
	tc, ok := tracer.Current(ctx)
	if !ok {
		logrus.Info(msg)
		return
	}
	logrus.WithFields(logrus.Fields{
		"trace_id": tc.TraceID.String(),
		"span_id":  tc.SpanID.String(),
	}).Info(msg)
}
