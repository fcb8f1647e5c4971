// Command tunnelcore runs the obfuscated WireGuard-over-QUIC tunnel core
// as a standalone daemon: it loads persisted config, wires the connect
// pipeline to the reconnecting state machine, applies network config to
// the host on every successful connect, and pumps packets between the
// host and the live tunnel until a signal asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/obscuratun/tunnelcore/internal/apiclient"
	"github.com/obscuratun/tunnelcore/internal/apitypes"
	"github.com/obscuratun/tunnelcore/internal/config"
	"github.com/obscuratun/tunnelcore/internal/connector"
	"github.com/obscuratun/tunnelcore/internal/exitselect"
	"github.com/obscuratun/tunnelcore/internal/fsm"
	"github.com/obscuratun/tunnelcore/internal/manager"
	"github.com/obscuratun/tunnelcore/internal/ostun"
	"github.com/obscuratun/tunnelcore/internal/relay"
)

func main() {
	stateDir := flag.String("state-dir", defaultStateDir(), "directory holding config.json")
	sni := flag.String("relay-sni", connector.DefaultRelaySNI, "TLS SNI presented to relays")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnelcore: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store := config.NewStore(*stateDir, logger)
	handle := config.NewHandle(store)

	api := apiclient.NewHTTPClient(handle, logger)
	platform := ostun.NewLinux(logger)
	defer platform.Close()

	exitState := &exitselect.State{}
	dial := relay.NewQUICDialer(*sni)

	machine := fsm.New(
		newConnectFunc(api, handle, exitState, dial, platform, logger),
		platform.InjectInboundPacket,
		logger,
	)
	mgr := manager.New(handle, api, machine, logger)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go machine.Run(ctx)
	go pumpOutgoingPackets(ctx, machine, platform, logger)

	if handle.Snapshot().AutoConnect {
		if err := mgr.SetTargetState(&fsm.TunnelArgs{Selector: exitselect.Any()}, true); err != nil {
			logger.Warn("failed to auto-connect at startup", zap.Error(err))
		}
	}

	logger.Info("tunnelcore started", zap.String("state_dir", *stateDir))
	waitForShutdownSignal()
	logger.Info("tunnelcore shutting down")
}

// newConnectFunc adapts connector.Connect (one-shot dial-and-create-tunnel)
// into the fsm.ConnectFunc shape, applying host network config before
// handing the live connection back to the state machine.
func newConnectFunc(
	api apiclient.Client,
	handle *config.Handle,
	exitState *exitselect.State,
	dial relay.Dialer,
	platform ostun.Platform,
	log *zap.Logger,
) fsm.ConnectFunc {
	return func(ctx context.Context, args fsm.TunnelArgs) (fsm.TunnelConn, apitypes.OneRelay, apitypes.OneExit, error) {
		result, err := connector.Connect(ctx, connector.Deps{
			API:      api,
			Config:   handle,
			Selector: args.Selector,
			State:    exitState,
			Dial:     dial,
			Log:      log,
		})
		if err != nil {
			return nil, apitypes.OneRelay{}, apitypes.OneExit{}, err
		}

		if err := platform.ApplyNetworkConfig(ctx, networkConfigFor(result)); err != nil {
			result.Conn.Close()
			return nil, apitypes.OneRelay{}, apitypes.OneExit{}, fmt.Errorf("applying network config: %w", err)
		}

		return result.Conn, result.Relay, result.Exit, nil
	}
}

// tunInterfaceName is the interface the platform brings up for every
// tunnel; the teacher's WireGuardConnector used a fixed "wg0" the same
// way, since only one tunnel is ever active at a time.
const tunInterfaceName = "tunnelcore0"

func networkConfigFor(result *connector.Result) ostun.NetworkConfig {
	return ostun.NetworkConfig{
		InterfaceName: tunInterfaceName,
		ClientIPv4:    result.Config.ClientIPv4,
		ClientIPv6Net: result.Config.ClientIPv6Net,
		DNS:           result.Config.DNS,
		MTU:           result.Config.MTU,
	}
}

func pumpOutgoingPackets(ctx context.Context, machine *fsm.FSM, platform ostun.Platform, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-platform.OutgoingPackets():
			if err := machine.SendPacket(ctx, pkt); err != nil {
				log.Debug("dropping outgoing packet, tunnel not connected", zap.Error(err))
			}
		}
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tunnelcore")
	}
	return "."
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
