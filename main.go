package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tuzkov/camscreen/camera"
	"github.com/tuzkov/camscreen/filter"
	"github.com/tuzkov/camscreen/medialib"
	"github.com/tuzkov/camscreen/server"
	"github.com/tuzkov/camscreen/service"
)

var loglevel = new(slog.LevelVar)

var serverCmd = &cobra.Command{
	Use:   "camscreen",
	Short: "Camera screen: preview, photos, video recording and a capture timer",
	Run: func(cmd *cobra.Command, args []string) {
		if err := entrypoint(); err != nil {
			slog.Error("entrypoint error", "err", err)
			os.Exit(1)
		}
	},
}

func initConfig() {
	home, _ := os.UserHomeDir()

	viper.SetDefault("port", 8080)
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("camera.backend", camera.BackendUSB)
	viper.SetDefault("camera.outputDir", filepath.Join(home, "camscreen"))
	viper.SetDefault("camera.tickInterval", time.Second)
	viper.SetDefault("camera.eventBuffer", 64)
	viper.SetDefault("camera.devices.back", "/dev/video0")
	viper.SetDefault("camera.devices.front", "/dev/video1")
	viper.SetDefault("camera.rpi.back", 0)
	viper.SetDefault("camera.rpi.front", 1)
	viper.SetDefault("camera.fps", 10)
	viper.SetDefault("camera.previewInterval", 2*time.Second)
	viper.SetDefault("gallery.path", filepath.Join(home, "camscreen", "gallery.db"))
	viper.SetDefault("filter.name", filter.None)
	viper.SetDefault("timer.seconds", 3)
	viper.SetDefault("playback.speed", 2.0)

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.ReadInConfig()
}

func entrypoint() error {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: loglevel,
	}))

	cfg := getConfig()
	setLogLevel(cfg.LogLevel)
	log.Info("Starting service", "addr", cfg.Addr, "loglevel", cfg.LogLevel, "backend", cfg.Provider.Backend)

	log.Debug("config", "cfg", *cfg)
	provider, err := camera.NewProvider(log, cfg.Provider)
	if err != nil {
		return fmt.Errorf("fail to create camera provider: %w", err)
	}

	svc, err := service.NewService(log, &cfg.Config, provider)
	if err != nil {
		return fmt.Errorf("fail to create service: %w", err)
	}
	srv := server.NewServer(log, cfg, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("fail to listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	// the camera gets its own deadline, a slow shutdown must not eat it
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelClose()
	return errors.Join(err, shutdownErr, svc.Close(closeCtx))
}

func getConfig() *server.Config {
	return &server.Config{
		Addr:     fmt.Sprintf(":%d", viper.GetInt("port")),
		LogLevel: viper.GetString("loglevel"),

		Config: service.Config{
			Camera: camera.Config{
				OutputDir:    viper.GetString("camera.outputDir"),
				TickInterval: viper.GetDuration("camera.tickInterval"),
				EventBuffer:  viper.GetInt("camera.eventBuffer"),
			},
			Provider: camera.ProviderConfig{
				Backend: viper.GetString("camera.backend"),
				USB: camera.USBConfig{
					Devices: map[camera.LensFacing]string{
						camera.LensBack:  viper.GetString("camera.devices.back"),
						camera.LensFront: viper.GetString("camera.devices.front"),
					},
					FPS:             viper.GetInt("camera.fps"),
					PreviewInterval: viper.GetDuration("camera.previewInterval"),
				},
				RPI: camera.RPIConfig{
					Cameras: map[camera.LensFacing]int{
						camera.LensBack:  viper.GetInt("camera.rpi.back"),
						camera.LensFront: viper.GetInt("camera.rpi.front"),
					},
					Rotation:        viper.GetInt("camera.rpi.rotation"),
					PreviewInterval: viper.GetDuration("camera.previewInterval"),
				},
			},
			Filter: filter.Config{
				Name:  viper.GetString("filter.name"),
				Width: viper.GetUint("filter.width"),
			},
			Library: medialib.LibraryConfig{
				Address:  viper.GetString("library.address"),
				Username: viper.GetString("library.username"),
				ApiKey:   viper.GetString("library.apikey"),
			},
			RecordAudio:   viper.GetBool("permissions.recordAudio"),
			GalleryPath:   viper.GetString("gallery.path"),
			TimerSeconds:  viper.GetInt("timer.seconds"),
			PlaybackSpeed: viper.GetFloat64("playback.speed"),
		},
	}
}

func setLogLevel(level string) {
	level = strings.ToLower(level)
	switch level {
	case "debug":
		loglevel.Set(slog.LevelDebug)
	case "info":
		loglevel.Set(slog.LevelInfo)
	case "warn":
		loglevel.Set(slog.LevelWarn)
	case "error":
		loglevel.Set(slog.LevelError)
	default:
		slog.Warn("unknown log level, using INFO instead", "level", level)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	serverCmd.Flags().IntP("port", "p", 8080, "Listen port")
	viper.BindPFlag("port", serverCmd.Flags().Lookup("port"))
	serverCmd.Flags().StringP("backend", "b", camera.BackendUSB, "Camera backend: usb or rpi")
	viper.BindPFlag("camera.backend", serverCmd.Flags().Lookup("backend"))
	serverCmd.Flags().Bool("audio", false, "Grant the microphone permission for video recording")
	viper.BindPFlag("permissions.recordAudio", serverCmd.Flags().Lookup("audio"))
	serverCmd.Flags().String("filter", filter.None, "Preview filter: "+strings.Join(filter.Names(), ", "))
	viper.BindPFlag("filter.name", serverCmd.Flags().Lookup("filter"))
}

func main() {
	serverCmd.Execute()
}
