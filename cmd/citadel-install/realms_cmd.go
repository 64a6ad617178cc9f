package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/realm"
	"github.com/subgraph/citadel-core/internal/realmconfig"
	"github.com/subgraph/citadel-core/internal/serviceapi"
)

// newRealmsServeCommand runs the realms-daemon D-Bus surface
// (com.subgraph.realms), the Go counterpart of the original's separate
// realmsd binary. It is folded into citadel-install rather than given
// its own cmd/ tree, since SPEC_FULL only commits to two CLI frontends.
func newRealmsServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "realms-serve",
		Short: "Run the realms-daemon D-Bus service (com.subgraph.realms)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Logger()
			manager, err := bootstrapManager()
			if err != nil {
				return err
			}

			if _, err := serviceapi.NewRealmsService(manager); err != nil {
				return err
			}

			if ok, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
				log.Warnf("sd_notify READY failed: %v", notifyErr)
			} else if ok {
				log.Infof("citadel-install: notified systemd of readiness")
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
			log.Infof("citadel-install: serving realms daemon on the system bus")
			<-sig
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		},
	}
}

// bootstrapManager loads every realm directory under realm.BasePath into
// a fresh realm.Manager, the startup scan the original's RealmManager
// does against /realms before the daemon starts accepting D-Bus calls.
func bootstrapManager() (*realm.Manager, error) {
	manager := realm.NewManager()

	entries, err := os.ReadDir(realm.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return manager, nil
		}
		return nil, fmt.Errorf("bootstrap realms: read %s: %w", realm.BasePath, err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "realm-") {
			continue
		}
		name := strings.TrimPrefix(e.Name(), "realm-")
		dir := filepath.Join(realm.BasePath, e.Name())

		cfg, err := realmconfig.LoadRealmConfig(dir)
		if err != nil {
			logger.Logger().Warnf("bootstrap realms: skipping %s: %v", dir, err)
			continue
		}
		manager.Add(realm.New(name, "", cfg))
	}
	return manager, nil
}
