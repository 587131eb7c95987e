package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"proxyfetch/internal/app"
	"proxyfetch/internal/shared/config"
	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/types"
	"proxyfetch/parser"
	"proxyfetch/proxypool/source"
)

var (
	configDir string
	cfg       *types.Config
)

var rootCmd = &cobra.Command{
	Use:           "proxyfetch",
	Short:         "Fetch web pages through a rotating proxy pool",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		iniPath := filepath.Join(configDir, "proxyfetch.ini")

		// 1. 加载 .ini 行为配置, 文件不存在时使用默认值
		cfg = config.Default()
		_, statErr := os.Stat(iniPath)
		missing := errors.Is(statErr, os.ErrNotExist)
		if missing {
			config.ApplyEnv(cfg)
		} else if err := config.LoadIni(cfg, iniPath); err != nil {
			return fmt.Errorf("failed to load config file '%s': %w", iniPath, err)
		}
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("invalid config file '%s': %w", iniPath, err)
		}

		// 2. 初始化日志系统
		if err := logger.Init(cfg.LogConf); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if missing {
			logger.Warn().Str("path", iniPath).Msg("Config file not found, using defaults.")
		}
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [url...]",
	Short: "Fetch and parse pages, then save the records",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		selector, _ := cmd.Flags().GetString("selector")
		columns, _ := cmd.Flags().GetStringSlice("columns")

		urls := append([]string(nil), args...)
		if file != "" {
			lines, err := readLines(file)
			if err != nil {
				return err
			}
			urls = append(urls, lines...)
		}
		if len(urls) == 0 {
			return errors.New("no urls given, pass them as arguments or with --file")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		if err := a.Start(); err != nil {
			return err
		}
		defer a.Stop()

		sink, closer, err := app.OpenStorage(ctx, cfg.StorageConf)
		if err != nil {
			return err
		}
		defer closer.Close()

		p := parser.NewTableParser(selector, columns...)
		p.SourceField = "source_url"
		sum, err := a.NewOrchestrator(p).Run(ctx, urls, sink)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Refresh the proxy pool once and print its contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		a.Manager().Refresh(ctx)
		return printJSON(a.Manager().Snapshot())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [proxy...]",
	Short: "Probe candidate proxies and print the ones that work",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		checkURL, _ := cmd.Flags().GetString("url")
		scheme, _ := cmd.Flags().GetString("scheme")
		if checkURL == "" {
			checkURL = cfg.ProxyPoolConf.CheckURL
		}

		raw := append([]string(nil), args...)
		if file != "" {
			lines, err := readLines(file)
			if err != nil {
				return err
			}
			raw = append(raw, lines...)
		}
		candidates := make([]string, 0, len(raw))
		for _, r := range raw {
			c, err := source.Normalize(r, scheme)
			if err != nil {
				logger.Warn().Err(err).Str("proxy", r).Msg("Invalid proxy format, skipping.")
				continue
			}
			candidates = append(candidates, c)
		}
		if len(candidates) == 0 {
			return errors.New("no valid candidates given")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		valid := a.Validator().Validate(ctx, candidates, checkURL)
		for _, v := range valid {
			fmt.Println(v)
		}
		logger.Info().Int("valid", len(valid)).Int("total", len(candidates)).Msg("Validation finished.")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the proxy pool refreshed and serve the web monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.ProxyPoolConf.BackgroundRefresh = true

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		if err := a.Start(); err != nil {
			a.Stop()
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutting down...")
		a.Stop()
		return nil
	},
}

// readLines 读取每行一个条目的文件, 跳过空行与 # 注释。
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "configdir", "configs", "Path to config directory")

	fetchCmd.Flags().String("file", "", "File with one URL per line")
	fetchCmd.Flags().String("selector", "table tr", "CSS selector for the table rows to parse")
	fetchCmd.Flags().StringSlice("columns", nil, "Column names, defaults to the table's <th> texts")

	validateCmd.Flags().String("file", "", "File with one proxy per line")
	validateCmd.Flags().String("url", "", "Check URL, defaults to proxypool.check_url")
	validateCmd.Flags().String("scheme", "http", "Scheme for proxies given without one")

	rootCmd.AddCommand(fetchCmd, proxiesCmd, validateCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
}
