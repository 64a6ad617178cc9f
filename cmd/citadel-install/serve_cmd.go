package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/serviceapi"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the installer-backend D-Bus service (com.subgraph.installer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Logger()
			svc, err := serviceapi.NewInstallerService()
			if err != nil {
				return err
			}

			if ok, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
				log.Warnf("sd_notify READY failed: %v", notifyErr)
			} else if ok {
				log.Infof("citadel-install: notified systemd of readiness")
			}

			stop := make(chan struct{})
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sig
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				close(stop)
			}()

			log.Infof("citadel-install: serving installer backend on the system bus")
			svc.Start(stop)
			return nil
		},
	}
}
