package cmd

import (
	"crypto/tls"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"net/http"

	"github.com/riftwave/adchub/hub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the hub",
}

func applyDefaults(v *viper.Viper) {
	d := hub.DefaultConfig()
	v.SetDefault("name", d.HubName)
	v.SetDefault("desc", d.Desc)
	v.SetDefault("log", d.Log)
	v.SetDefault("max_command_size", d.MaxCommandSize)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("max_buffer_size", d.MaxBufferSize)
	v.SetDefault("overflow_timeout", d.OverflowTimeout)
	v.SetDefault("disconnect_timeout", d.DisconnectTimeout)
	v.SetDefault("log_timeout", d.LogTimeout)
	v.SetDefault("hbri_timeout", d.HbriTimeout)
	v.SetDefault("servers", d.Servers)
	v.SetDefault("metrics_addr", ":2112")
}

func readConfig() (hub.Config, error) {
	applyDefaults(confManager)
	if err := confManager.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return hub.Config{}, err
		}
		log.Println("no config file found, using defaults and flags")
	} else {
		log.Println("loaded config:", confManager.ConfigFileUsed())
	}
	var c hub.Config
	if err := confManager.Unmarshal(&c); err != nil {
		return hub.Config{}, err
	}
	return c, nil
}

func init() {
	flags := serveCmd.Flags()
	fDebug := flags.Bool("debug", false, "set hub.Debug (no per-line protocol logging is produced)")

	flags.String("name", "adchub", "name of the hub")
	confManager.BindPFlag("name", flags.Lookup("name"))
	flags.String("desc", "a Go ADC hub", "description of the hub")
	confManager.BindPFlag("desc", flags.Lookup("desc"))
	flags.Int("port", 2780, "port to listen on")
	flags.String("bind", "0.0.0.0", "address to bind the listening socket to")
	flags.Bool("tls", false, "serve TLS instead of plaintext ADC")
	flags.String("metrics-addr", ":2112", "address to serve /metrics on")

	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		conf, err := readConfig()
		if err != nil {
			return err
		}
		if port, _ := flags.GetInt("port"); cmd.Flags().Changed("port") {
			conf.Servers[0].Port = port
		}
		if bind, _ := flags.GetString("bind"); cmd.Flags().Changed("bind") {
			conf.Servers[0].BindAddress4 = bind
		}
		if useTLS, _ := flags.GetBool("tls"); cmd.Flags().Changed("tls") {
			conf.Servers[0].TLS = useTLS
		}

		if *fDebug {
			log.Println("WARNING: protocol debug enabled")
			hub.Debug = true
		}

		m := hub.NewManager(&conf, log.Default())
		m.RegisterMetrics(prometheus.DefaultRegisterer)
		m.Start()
		defer m.Close()

		metricsAddr, _ := flags.GetString("metrics-addr")
		log.Println("serving metrics on", metricsAddr)
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil {
				log.Println("cannot serve metrics:", err)
			}
		}()

		var tlsConf *tls.Config
		var keyprintStr string
		for _, srv := range conf.Servers {
			if srv.TLS {
				cert, kp, err := loadOrGenerateCert(srv.BindAddress4)
				if err != nil {
					return err
				}
				tlsConf = &tls.Config{Certificates: []tls.Certificate{*cert}}
				keyprintStr = kp
				break
			}
		}

		listeners := make([]net.Listener, 0, len(conf.Servers))
		for _, srv := range conf.Servers {
			addr := net.JoinHostPort(srv.BindAddress4, strconv.Itoa(srv.Port))
			var ln net.Listener
			var err error
			if srv.TLS && tlsConf != nil {
				ln, err = tls.Listen("tcp", addr, tlsConf)
			} else {
				ln, err = net.Listen("tcp", addr)
			}
			if err != nil {
				return err
			}
			listeners = append(listeners, ln)
			log.Println("listening on", addr)
			go acceptLoop(m, ln, srv)
		}
		if keyprintStr != "" {
			log.Println("TLS keyprint:", keyprintStr)
		}

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		log.Println("stopping hub")
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return nil
	}
	Root.AddCommand(serveCmd)
}

func acceptLoop(m *hub.Manager, ln net.Listener, srv hub.ServerInfo) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.Accept(conn, srv)
	}
}
