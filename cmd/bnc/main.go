package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	bnc "github.com/hixio-mh/kiwibnc"
	"github.com/hixio-mh/kiwibnc/config"
	"github.com/hixio-mh/kiwibnc/database"
	"github.com/hixio-mh/kiwibnc/msgstore"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "bnc",
	Short:        "An IRC bouncer",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(addUserCmd)
	rootCmd.AddCommand(addNetworkCmd)
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Debug = true
	}

	db, err := database.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	msgStore, err := msgstore.Open(cfg.MessageStore)
	if err != nil {
		return err
	}
	defer msgStore.Close()

	srv := bnc.NewServer(db, msgStore)
	srv.Hostname = cfg.Hostname
	srv.Debug = cfg.Debug

	if err := srv.Start(); err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		go func() {
			log.Printf("serving metrics on %q", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, srv.MetricsHandler()); err != nil {
				log.Printf("metrics listener failed: %v", err)
			}
		}()
	}

	errCh := make(chan error, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Printf("listening on %q", addr)
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down", sig)
		srv.Shutdown()
		return nil
	case err := <-errCh:
		srv.Shutdown()
		return err
	}
}

var addUserCmd = &cobra.Command{
	Use:   "adduser <username> <password>",
	Short: "Create a bouncer user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		db, err := database.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		admin, _ := cmd.Flags().GetBool("admin")
		u := &database.User{Username: args[0], Admin: admin}
		if err := u.SetPassword(args[1]); err != nil {
			return err
		}
		if err := db.StoreUser(u); err != nil {
			return err
		}
		log.Printf("created user %q", u.Username)
		return nil
	},
}

var addNetworkCmd = &cobra.Command{
	Use:   "addnetwork <username> <netname> <host> <port>",
	Short: "Add an IRC network to a user",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		db, err := database.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		user, err := db.GetUserByName(args[0])
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("no such user %q", args[0])
		}

		portNum, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid port %q: %v", args[3], err)
		}

		useTLS, _ := cmd.Flags().GetBool("tls")
		nick, _ := cmd.Flags().GetString("nick")
		if nick == "" {
			nick = user.Username
		}

		n := &database.Network{
			UserID: user.ID,
			Name:   args[1],
			Host:   args[2],
			Port:   portNum,
			TLS:    useTLS,
			Nick:   nick,
		}
		if err := db.StoreNetwork(n); err != nil {
			return err
		}
		log.Printf("added network %q for user %q", n.Name, user.Username)
		return nil
	},
}

func init() {
	addUserCmd.Flags().Bool("admin", false, "grant the user admin rights")
	addNetworkCmd.Flags().Bool("tls", false, "connect with TLS")
	addNetworkCmd.Flags().String("nick", "", "nick to use on the network")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
