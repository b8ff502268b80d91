package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/canvas/internal/api"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		obs := newObserver()
		defer obs.Close()

		r, err := start(obs)
		if err != nil {
			return err
		}
		defer r.Close()
		defer r.Store.Close()

		addr := r.Config.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		h := api.NewHandler(r.Dispatcher, r.Sessions, r.Store, r.Store, r.Guard, obs)
		srv := &http.Server{
			Addr:              addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() {
			obs.Log().Info().Str("addr", addr).Msg("serving")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		obs.Log().Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}
