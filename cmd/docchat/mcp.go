package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docchat/internal/api"
	"github.com/kalambet/docchat/internal/app"
)

const (
	// mcpTokenEnv holds the bearer token required by the HTTP transport.
	mcpTokenEnv = "DOCCHAT_MCP_TOKEN"
	// maxMCPConns caps concurrent HTTP connections to the MCP endpoint.
	maxMCPConns = 32
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve knowledge, sessions and chat to MCP clients",
	Long: `Serve knowledge, sessions and chat to MCP clients.

By default the server speaks MCP over stdin/stdout. With --http it listens
on a local address instead; set DOCCHAT_MCP_TOKEN to require a bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("http")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			deps := a.MCPDeps()
			if err := deps.Validate(); err != nil {
				return err
			}
			s := api.NewMCPServer(deps, version)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := a.KeepAlive.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				// the transport ending stops the keep-alive with it
				defer cancel()
				if addr == "" {
					return serveStdio(ctx, s)
				}
				return serveHTTP(ctx, s, addr, os.Getenv(mcpTokenEnv))
			})
			return g.Wait()
		})
	},
}

func init() {
	mcpCmd.Flags().String("http", "", "listen address for the streamable HTTP transport, e.g. 127.0.0.1:7331")
}

func serveStdio(ctx context.Context, s *server.MCPServer) error {
	slog.Info("MCP server started (stdio transport)")
	err := server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, s *server.MCPServer, addr, token string) error {
	if token == "" {
		printWarning("%s is not set; the MCP endpoint accepts any local client", mcpTokenEnv)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxMCPConns)
	srv := &http.Server{
		Handler:           api.NewMCPHandler(s, token),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("MCP server listening", "url", "http://"+ln.Addr().String()+api.MCPPath)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
