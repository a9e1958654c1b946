package main

import (
	"strings"

	"github.com/spf13/cobra"

	"meshforge/internal/webhook"
)

func newWebhookCommand(ctx *commandContext) *cobra.Command {
	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Receive Meshy completion callbacks",
	}

	var bind string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the callback receiver until interrupted",
		Long: `Run an HTTP server that applies Meshy completion callbacks to manifests
and submits each asset's next step. Point pipeline.callback_url at
http://<host>/webhooks/meshy so submissions carry it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signalContext(cmd)
			defer stop()
			rt, err := ctx.openRuntime(runCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			addr := rt.cfg.Webhook.Bind
			if b := strings.TrimSpace(bind); b != "" {
				addr = b
			}
			srv := webhook.NewServer(addr, rt.orch, rt.cfg.Webhook.Secret, rt.logger)
			return srv.ListenAndServe(runCtx)
		},
	}
	serveCmd.Flags().StringVar(&bind, "bind", "", "Listen address (default from config)")

	webhookCmd.AddCommand(serveCmd)
	return webhookCmd
}
