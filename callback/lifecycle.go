package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/log"
)

// ErrAlreadyRunning means a healthy callback server already owns the port;
// the caller should reuse it instead of starting another.
var ErrAlreadyRunning = errors.New("callback server already running")

// Start serves callbacks on the configured port, blocking until ctx is
// cancelled. The port is a deployment-wide singleton: startup first takes the
// shared lock, and when the port or lock is already owned it probes /health.
// A healthy existing server turns Start into ErrAlreadyRunning; an owner that
// doesn't answer its health endpoint fails startup outright, because silently
// running without a callback listener would strand every async transcription.
func Start(ctx context.Context, cli config.Cli, srv *Server) error {
	owner := lockOwner()

	acquired, err := srv.registry.AcquireServerLock(ctx, owner)
	if err != nil {
		return err
	}
	if !acquired {
		if probeHealth(cli.CallbackAddress) {
			log.LogNoRequestID("callback server lock held elsewhere and /health responds, reusing it",
				"addr", cli.CallbackAddress)
			return ErrAlreadyRunning
		}
		return fmt.Errorf("callback server lock is held but %s/health does not respond", cli.CallbackAddress)
	}

	listener, err := net.Listen("tcp", cli.CallbackAddress)
	if err != nil {
		releaseLock(srv.registry, owner)
		if probeHealth(cli.CallbackAddress) {
			log.LogNoRequestID("callback port already serving a healthy server, reusing it",
				"addr", cli.CallbackAddress)
			return ErrAlreadyRunning
		}
		return fmt.Errorf("callback port %s is occupied by an unresponsive process: %w", cli.CallbackAddress, err)
	}

	server := http.Server{Handler: srv.Handler()}
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go srv.refreshLock(serveCtx, owner)

	log.LogNoRequestID(
		"Starting ASR callback server",
		"version", config.Version,
		"host", cli.CallbackAddress,
	)

	var serveErr error
	go func() {
		serveErr = server.Serve(listener)
		cancel()
	}()

	<-serveCtx.Done()
	releaseLock(srv.registry, owner)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// refreshLock keeps the startup lock alive while this process serves.
func (s *Server) refreshLock(ctx context.Context, owner string) {
	ticker := time.NewTicker(serverLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registry.RefreshServerLock(ctx, owner); err != nil {
				log.LogNoRequestID("failed to refresh callback server lock", "error", err)
			}
		}
	}
}

func releaseLock(registry *Registry, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := registry.ReleaseServerLock(ctx, owner); err != nil {
		log.LogNoRequestID("failed to release callback server lock", "error", err)
	}
}

func lockOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), config.RandomTrailer(4))
}

// PublicURL is the callback endpoint as reachable from the ASR backend:
// explicit configuration first, then the host's outbound interface, then
// loopback as a last resort.
func PublicURL(cli config.Cli) string {
	if cli.CallbackPublicIP != "" {
		return fmt.Sprintf("http://%s/callback", net.JoinHostPort(cli.CallbackPublicIP, cli.CallbackPort()))
	}
	if ip, err := outboundIP(); err == nil {
		return fmt.Sprintf("http://%s/callback", net.JoinHostPort(ip, cli.CallbackPort()))
	}
	return cli.OwnCallbackURL()
}

// outboundIP finds the local address the kernel would route external traffic
// from. The dial never sends a packet; UDP connect just resolves the route.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
