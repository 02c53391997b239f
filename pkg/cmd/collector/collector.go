package collector

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	pkgbgtask "github.com/stleox/spanflow/pkg/bgtask"
	"github.com/stleox/spanflow/pkg/cmd/common"
	pkgcollector "github.com/stleox/spanflow/pkg/collector"
	"github.com/stleox/spanflow/pkg/config"
)

var collectorFlags = pflag.NewFlagSet("collector", pflag.ContinueOnError)

func init() {
	collectorFlags.String("store", config.CollectorStore, "Span store: memory, mysql or sqlite")
	collectorFlags.String("dsn", config.CollectorDSN, "Data source name of the mysql or sqlite store")
	collectorFlags.String("listen", config.Listen, "Address of the query API")
	collectorFlags.String("forward", config.Forward, "Re-export stored spans: none, stdout or otlp")
}

func New(vp *viper.Viper) *cobra.Command {
	collector := &cobra.Command{
		Use:   "collector",
		Short: "Ingest span batches from the bus, assemble traces and serve them",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `collector`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if !config.Debug {
				gin.SetMode(gin.ReleaseMode)
			}

			// init store
			dsn := config.CollectorDSN
			if dsn == "" && config.CollectorStore == pkgcollector.DriverMySQL {
				dsn = config.SPANFLOW_DEFAULT_DSN
			}
			store, err := pkgcollector.NewStore(ctx, config.CollectorStore, dsn, config.MaxNumTrace)
			if err != nil {
				return err
			}
			logrus.WithField("store", config.CollectorStore).Info("SpanFlow opened the span store")

			// init forwarder
			forwarder, err := pkgcollector.NewForwarder(ctx, config.Forward)
			if err != nil {
				_ = store.Close()
				return err
			}

			c := pkgcollector.New(store, pkgcollector.WithForwarder(forwarder))
			defer func() {
				if err := c.Close(); err != nil {
					logrus.WithError(err).Error("SpanFlow couldn't close the span store")
				}
			}()
			defer func() {
				shutdownCtx, cancel := common.ShutdownContext()
				defer cancel()
				if err := forwarder.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Error("SpanFlow couldn't shut down the forwarder")
				}
			}()

			// init bus
			b, err := common.GetBus()
			if err != nil {
				return err
			}
			defer b.Close()
			unsubscribe, err := c.Subscribe(ctx, b, config.SpanTopic)
			if err != nil {
				return err
			}
			defer unsubscribe()
			logrus.WithField("topic", config.SpanTopic).Info("SpanFlow subscribed to span batches")

			// init bgTaskManager
			bgTaskManager := pkgbgtask.NewBgTaskManager(c)
			bgTaskManager.StartAll()
			defer bgTaskManager.StopAll()

			return common.Serve(ctx, config.Listen, pkgcollector.NewRouter(c))
		},
	}

	collector.Flags().AddFlagSet(collectorFlags)
	_ = vp.BindPFlag("collector.store", collectorFlags.Lookup("store"))
	_ = vp.BindPFlag("collector.dsn", collectorFlags.Lookup("dsn"))
	_ = vp.BindPFlag("collector.listen", collectorFlags.Lookup("listen"))
	_ = vp.BindPFlag("collector.forward", collectorFlags.Lookup("forward"))
	return collector
}
