package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/bandwidth"
	"github.com/codelaboratoryltd/radman/pkg/config"
	"github.com/codelaboratoryltd/radman/pkg/engine"
	"github.com/codelaboratoryltd/radman/pkg/metrics"
	"github.com/codelaboratoryltd/radman/pkg/probe"
	"github.com/codelaboratoryltd/radman/pkg/radclient"
	"github.com/codelaboratoryltd/radman/pkg/store"
	"github.com/codelaboratoryltd/radman/pkg/sweep"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radman",
	Short: "RADIUS subscriber policy and session-control engine",
	Long: `radman manages subscriber access on a FreeRADIUS-backed NAS fleet:
vendor bandwidth plans, credential provisioning, fair-usage throttling,
and live CoA/Disconnect push to connected sessions.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

// Provisioning flags shared by user add/update.
var (
	userName       string
	userPassword   string
	userVendor     string
	userExpiration string
	maxDownload    string
	maxUpload      string
	minDownload    string
	minUpload      string
	nasAddress     string
	nasPort        int
	nasSecret      string
)

// NAS flags.
var (
	nasShortName   string
	nasType        string
	nasDescription string
	disconnectFlag bool
	reloadFlag     bool
)

// Probe flags.
var (
	probeAuthPort int
	probeAcctPort int
	probeTimeout  time.Duration
)

func init() {
	for _, c := range []*cobra.Command{userAddCmd, userUpdateCmd} {
		c.Flags().StringVar(&userName, "username", "", "subscriber username")
		c.Flags().StringVar(&userPassword, "password", "", "subscriber password")
		c.Flags().StringVar(&userVendor, "vendor", "mikrotik", "vendor tag (mikrotik, mikrotik_pppoe, mikrotik_hotspot, cisco, juniper, huawei)")
		c.Flags().StringVar(&userExpiration, "expires", "", "expiration date, e.g. 'Jan 02 2027 00:00:00'")
		c.Flags().StringVar(&maxDownload, "max-download", "", "maximum download rate, e.g. 20M")
		c.Flags().StringVar(&maxUpload, "max-upload", "", "maximum upload rate")
		c.Flags().StringVar(&minDownload, "min-download", "", "throttled download rate")
		c.Flags().StringVar(&minUpload, "min-upload", "", "throttled upload rate")
		c.Flags().StringVar(&nasAddress, "nas", "", "NAS address to upsert alongside the user")
		c.Flags().IntVar(&nasPort, "nas-port", 3799, "NAS CoA/Disconnect port")
		c.Flags().StringVar(&nasSecret, "nas-secret", "", "NAS shared secret")
		c.MarkFlagRequired("username")
		c.MarkFlagRequired("password")
	}

	for _, c := range []*cobra.Command{userBlockCmd, userUnblockCmd} {
		c.Flags().BoolVar(&disconnectFlag, "disconnect", false, "also tear down active sessions")
	}

	nasSyncCmd.Flags().StringVar(&nasShortName, "short-name", "", "short name (generated from the address when empty)")
	nasSyncCmd.Flags().StringVar(&nasType, "type", "", "NAS type tag")
	nasSyncCmd.Flags().IntVar(&nasPort, "port", 3799, "CoA/Disconnect port")
	nasSyncCmd.Flags().StringVar(&nasSecret, "secret", "", "shared secret")
	nasSyncCmd.Flags().StringVar(&nasDescription, "description", "", "free-form description")
	nasSyncCmd.Flags().BoolVar(&reloadFlag, "reload", false, "reload the AAA daemon afterwards")
	nasSyncCmd.MarkFlagRequired("secret")

	for _, c := range []*cobra.Command{nasDeleteCmd, nasActivateCmd, nasDeactivateCmd} {
		c.Flags().BoolVar(&disconnectFlag, "disconnect", false, "disconnect affected sessions")
		c.Flags().BoolVar(&reloadFlag, "reload", false, "reload the AAA daemon afterwards")
	}

	nasTestCmd.Flags().IntVar(&probeAuthPort, "auth-port", 1812, "RADIUS auth port")
	nasTestCmd.Flags().IntVar(&probeAcctPort, "acct-port", 1813, "RADIUS acct port")
	nasTestCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "per-port dial timeout")
	nasTestCmd.Flags().StringVar(&nasSecret, "secret", "", "shared secret for the live auth test")
	nasTestCmd.Flags().StringVar(&userName, "username", "", "test username")
	nasTestCmd.Flags().StringVar(&userPassword, "password", "", "test password")

	userCmd.AddCommand(userAddCmd, userUpdateCmd, userBlockCmd, userUnblockCmd, userDisconnectCmd, userStatusCmd)
	nasCmd.AddCommand(nasSyncCmd, nasDeleteCmd, nasActivateCmd, nasDeactivateCmd, nasUsersCmd, nasTestCmd)
	rootCmd.AddCommand(runCmd, userCmd, nasCmd, reloadCmd, fupCmd, migrateCmd)
}

// app is the wired service stack shared by every subcommand.
type app struct {
	svc     *engine.Service
	cfg     *config.Config
	db      *store.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (a *app) close() {
	a.db.Close()
	a.logger.Sync()
}

// buildApp wires the service stack from the environment config.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := store.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	dispatcher := radclient.NewClient(radclient.Config{
		Path:             cfg.RadclientPath,
		Timeout:          cfg.DispatchTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, logger)
	reloader := radclient.NewReloader(cfg.ReloadCommand, 30*time.Second, logger)
	prober := probe.NewProber(logger)

	m := metrics.New()
	if err := m.Register(); err != nil {
		db.Close()
		return nil, err
	}

	svc := engine.New(db.Pool, dispatcher, reloader, prober, m,
		engine.Config{FUPQuotaBytes: cfg.FUPQuotaBytes}, logger)
	return &app{svc: svc, cfg: cfg, db: db, logger: logger, metrics: m}, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zapLevel
	zc.Encoding = "json"

	return zc.Build()
}

// printJSON renders a structured result for the operator.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the policy engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := store.Migrate(ctx, a.cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}

		a.logger.Info("Starting radman",
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Duration("sweep_interval", a.cfg.SweepInterval),
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			a.logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		}()

		runner := sweep.NewRunner(a.svc, a.cfg.SweepInterval, a.metrics, a.logger)
		runner.Start(ctx)
		defer runner.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", zap.Error(err))
				cancel()
			}
		}()

		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return store.Migrate(cmd.Context(), cfg.DatabaseDSN)
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Subscriber operations",
}

func provisionRequest() engine.ProvisionRequest {
	return engine.ProvisionRequest{
		Username:   userName,
		Password:   userPassword,
		Vendor:     userVendor,
		Expiration: userExpiration,
		Bandwidth: bandwidth.Intent{
			MaxDownload: maxDownload,
			MaxUpload:   maxUpload,
			MinDownload: minDownload,
			MinUpload:   minUpload,
		},
		NASAddress: nasAddress,
		NASPort:    nasPort,
		NASSecret:  nasSecret,
	}
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Provision a subscriber",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.AddUser(cmd.Context(), provisionRequest())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var userUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Re-provision a subscriber",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.UpdateUser(cmd.Context(), provisionRequest())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var userBlockCmd = &cobra.Command{
	Use:   "block <username>",
	Short: "Block a subscriber",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.BlockUser(cmd.Context(), args[0], disconnectFlag)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var userUnblockCmd = &cobra.Command{
	Use:   "unblock <username>",
	Short: "Unblock a subscriber",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.UnblockUser(cmd.Context(), args[0], disconnectFlag)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var userDisconnectCmd = &cobra.Command{
	Use:   "disconnect <username>",
	Short: "Disconnect a subscriber's active sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.DisconnectUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var userStatusCmd = &cobra.Command{
	Use:   "status <username>",
	Short: "Show whether a subscriber is blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		blocked, err := a.svc.IsBlocked(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"username": args[0], "blocked": blocked})
	},
}

var nasCmd = &cobra.Command{
	Use:   "nas",
	Short: "NAS registry operations",
}

var nasSyncCmd = &cobra.Command{
	Use:   "sync <address>",
	Short: "Create or update a NAS device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.SyncNAS(cmd.Context(), store.NASRecord{
			Name:        args[0],
			ShortName:   nasShortName,
			Type:        nasType,
			Ports:       nasPort,
			Secret:      nasSecret,
			Description: nasDescription,
		}, reloadFlag)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var nasDeleteCmd = &cobra.Command{
	Use:   "delete <address>",
	Short: "Delete a NAS device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.DeleteNAS(cmd.Context(), args[0], disconnectFlag, reloadFlag)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var nasActivateCmd = &cobra.Command{
	Use:   "activate <address>",
	Short: "Unblock every subscriber on a NAS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.ActivateNAS(cmd.Context(), args[0], disconnectFlag, reloadFlag)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var nasDeactivateCmd = &cobra.Command{
	Use:   "deactivate <address>",
	Short: "Block every subscriber on a NAS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.DeactivateNAS(cmd.Context(), args[0], disconnectFlag, reloadFlag)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var nasUsersCmd = &cobra.Command{
	Use:   "users <address>",
	Short: "List subscribers active on a NAS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.ListNASUsers(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var nasTestCmd = &cobra.Command{
	Use:   "test <address>",
	Short: "Probe NAS connectivity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.TestNASConnection(cmd.Context(), probe.Request{
			Address:  args[0],
			AuthPort: probeAuthPort,
			AcctPort: probeAcctPort,
			Secret:   nasSecret,
			Timeout:  probeTimeout,
			Username: userName,
			Password: userPassword,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the AAA daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.svc.ReloadDaemon(cmd.Context()); err != nil {
			return err
		}
		return printJSON(map[string]any{"reloaded": true})
	},
}

var fupCmd = &cobra.Command{
	Use:   "fup",
	Short: "Run one fair-usage enforcement sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		outcomes, err := a.svc.CheckFUPAndApplyLimit(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(outcomes)
	},
}
