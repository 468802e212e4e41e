package workflow

import (
	"context"

	"go.uber.org/zap"

	"vmbuild/internal/bootstrap"
	"vmbuild/internal/config"
	"vmbuild/internal/remote"
)

// SSHDialers opens real SSH sessions with each spec's private key. Every
// instance gets its own dialer, so host keys are pinned per instance.
func SSHDialers(cfg *config.Config, logger *zap.Logger) DialerFactory {
	return func(spec config.InstanceSpec) (bootstrap.Dialer, error) {
		signer, err := remote.LoadSigner(spec.KeyPair.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		d := remote.NewDialer(remote.Config{
			User:           cfg.SSH.User,
			Port:           cfg.SSH.Port,
			Signer:         signer,
			Attempts:       cfg.SSH.Attempts,
			Interval:       cfg.SSH.Interval,
			OpenTimeout:    cfg.Timeouts.SessionOpen,
			CommandTimeout: cfg.Timeouts.Command,
		}, logger.With(zap.String("instance_name", spec.Name)))

		return bootstrap.DialerFunc(func(ctx context.Context, host string) (bootstrap.Session, error) {
			client, err := d.Open(ctx, host)
			if err != nil {
				return nil, err
			}
			return client, nil
		}), nil
	}
}
