package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BTreeMap/CollectPipe/internal/api"
)

// app carries the per-invocation viper instance shared by subcommands.
type app struct {
	v   *viper.Viper
	cfg Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:          "CollectPipe",
		Short:        "Collections bot: classifies debtor intent, replies over WhatsApp, throws campaigns",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loadDotEnv()
			bindFlags(a.v, cmd.Flags())
			level, err := parseLogLevel(a.v.GetString("log-level"))
			if err != nil {
				return err
			}
			initializeLogger(level)
			a.cfg = loadConfig(a.v)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("state-dir", DefaultStateDir, "state directory for CollectPipe data (overrides $COLLECTPIPE_STATE_DIR)")
	pf.String("db-dsn", "", "database DSN: Postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	pf.String("log-level", "info", "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	pf.String("owner", api.DefaultOwnerID, "owner ID for CLI operations and unrouted webhooks (overrides $COLLECTPIPE_OWNER)")
	pf.Bool("json", false, "print JSON instead of tables")

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.campaignCmd())
	root.AddCommand(a.strategyCmd())
	root.AddCommand(a.datasetCmd())
	root.AddCommand(a.debtorCmd())
	return root
}

// addProviderFlags registers the flags needed to build the LLM and the gateway.
func addProviderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("openai-api-key", "", "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.String("openai-model", "", "chat-completion model (overrides $OPENAI_MODEL)")
	f.String("openai-base-url", "", "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)")
	f.String("provider", "twilio", "messaging provider: twilio, whatsapp or mock (overrides $MESSAGING_PROVIDER)")
	f.String("twilio-account-sid", "", "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	f.String("twilio-auth-token", "", "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	f.String("twilio-from-number", "", "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)")
	f.String("whatsapp-db-dsn", "", "whatsmeow session store DSN (overrides $WHATSAPP_DB_DSN)")
	f.String("qr-output", "", "path to write the WhatsApp login QR code")
	f.Bool("numeric-code", false, "use numeric login code instead of QR code")
	f.Int("send-concurrency", 8, "parallel sends during a campaign throw (overrides $CAMPAIGN_SEND_CONCURRENCY)")
}
