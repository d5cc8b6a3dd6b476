package cmd

import (
	"bufio"
	"context"
	"io"
	"io/ioutil"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hmatsuda/kioku/engine"
	"github.com/hmatsuda/kioku/repl"
	"github.com/hmatsuda/kioku/server"
)

var (
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the Kioku storage engine",
		RunE:  startRun,
	}

	store    = "btree"
	dataDir  = "testdata"
	lruBytes = uint64(64 * 1024 * 1024)

	sshServer      = false
	sshPort        = "localhost:8241"
	authorizedKeys = ""
	hostKeys       = []string{"id_rsa"}
)

func initEngineFlags(fs *pflag.FlagSet) {
	fs.StringVar(&store, "store", store,
		"kv backend to use: btree, badger, bbolt, or pebble")
	cfgVars["store"] = fs.Lookup("store")

	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the store")
	cfgVars["data"] = fs.Lookup("data")

	fs.Uint64Var(&lruBytes, "lru-bytes", lruBytes, "extent cache capacity in bytes")
	cfgVars["lru-bytes"] = fs.Lookup("lru-bytes")
}

func init() {
	fs := startCmd.Flags()
	initEngineFlags(fs)

	fs.BoolVar(&sshServer, "ssh", sshServer, "`flag` to control serving SSH")
	cfgVars["ssh"] = fs.Lookup("ssh")

	fs.StringVar(&sshPort, "ssh-port", sshPort, "`port` used to serve SSH")
	cfgVars["ssh-port"] = fs.Lookup("ssh-port")

	fs.StringVar(&authorizedKeys, "ssh-authorized-keys", authorizedKeys,
		"`file` containing authorized ssh keys")
	cfgVars["ssh-authorized-keys"] = fs.Lookup("ssh-authorized-keys")

	fs.StringSliceVar(&hostKeys, "ssh-host-key", hostKeys,
		"`file` containing a ssh host key; multiple allowed")
	cfgVars["ssh-host-keys"] = fs.Lookup("ssh-host-key")

	kiokuCmd.AddCommand(startCmd)
}

func openEngine() (*engine.Engine, error) {
	return engine.Open(store, dataDir,
		engine.Config{LRUCapacityBytes: lruBytes})
}

func startRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if sshServer {
		svr := server.NewServer(eng)

		sshCfg := server.SSHConfig{
			Address: sshPort,
		}
		for _, hostKey := range hostKeys {
			b, err := ioutil.ReadFile(hostKey)
			if err != nil {
				return err
			}
			sshCfg.HostKeysBytes = append(sshCfg.HostKeysBytes, b)
		}
		if authorizedKeys != "" {
			sshCfg.AuthorizedBytes, err = ioutil.ReadFile(authorizedKeys)
			if err != nil {
				return err
			}
		}

		go func() {
			err := svr.ListenAndServeSSH(sshCfg)
			if err != server.ErrServerClosed {
				log.WithField("error", err).Error("ssh server")
			}
		}()

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		return svr.Shutdown(context.Background())
	}

	if fi, err := os.Stdin.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		repl.Interact(eng)
		return nil
	}

	r := bufio.NewReader(os.Stdin)
	ses := repl.NewSession(eng, os.Stdout)
	repl.Repl(ses,
		func() (string, error) {
			line, err := r.ReadString('\n')
			if err == io.EOF && line != "" {
				return line, nil
			}
			return line, err
		})
	return nil
}
