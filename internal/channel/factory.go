package channel

import (
	"net"
	"strconv"

	"git.home.luguber.info/inful/privd/internal/config"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// NewTransportFactory returns a factory building the transport selected by
// target.transport. tempDir is handed to adb as TMPDIR.
func NewTransportFactory(tempDir string) TransportFactory {
	return func(target config.TargetConfig) (Transport, error) {
		switch target.Transport {
		case config.TransportADB, "":
			endpoint := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
			serial := target.Serial
			connect := endpoint
			if serial != "" && serial != endpoint {
				// A USB serial needs no adb connect.
				connect = ""
			}
			return NewADBTransport(ADBOptions{
				Path:    target.ADBPath,
				Serial:  serial,
				Connect: connect,
				TempDir: tempDir,
			}), nil
		case config.TransportSSH:
			return NewSSHTransport(target)
		default:
			return nil, ferrors.ConfigError("unknown transport").
				WithContext("transport", string(target.Transport)).Build()
		}
	}
}
