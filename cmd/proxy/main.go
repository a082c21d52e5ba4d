package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"mitmcap/internal/ca"
	"mitmcap/internal/config"
	"mitmcap/internal/logger"
	"mitmcap/pkg/api"
)

func main() {
	var cfgPath string
	var listenAddr string

	rootCmd := &cobra.Command{
		Use:   "mitmcap",
		Short: "捕获型中间人代理",
		Long:  "mitmcap 是一个可编程的 HTTP/HTTPS 中间人代理，捕获经过的流量并支持规则化改写。",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewConfig()
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listenAddr != "" {
				host, port, err := splitListenAddr(listenAddr)
				if err != nil {
					return err
				}
				cfg.Listen.Host = host
				cfg.Listen.Port = port
			}

			log := logger.New(logger.Options{
				Level:   cfg.Log.Level,
				Writers: cfg.Log.Writer,
				File:    cfg.Log.File,
			})

			svc, err := api.NewService(cfg, log)
			if err != nil {
				return err
			}
			if err := svc.Start(); err != nil {
				return err
			}
			fmt.Printf("代理监听于 %s\n", svc.Addr())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			svc.Shutdown()
			return nil
		},
	}
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "配置文件路径")
	rootCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "监听地址，如 127.0.0.1:8080")

	certsCmd := &cobra.Command{
		Use:   "certs <dir>",
		Short: "生成根证书材料",
		Long:  "在指定目录生成根证书、根私钥与共享叶子私钥，已存在时拒绝覆盖。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := ca.GenerateRootMaterial(dir); err != nil {
				return err
			}
			fmt.Printf("证书材料已写入 %s\n", dir)
			return nil
		},
	}
	rootCmd.AddCommand(certsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("bad listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad listen port %q: %w", portStr, err)
	}
	return host, port, nil
}
