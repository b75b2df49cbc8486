package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Camera endpoints
	v.SetDefault("camera.host", "192.168.1.101")
	v.SetDefault("camera.api_port", 80)
	// 0 means: ask the camera for its backchannel port
	v.SetDefault("camera.notification_port", 0)

	// Local receivers
	v.SetDefault("viewfinder.port", 4001)
	v.SetDefault("preview.port_min", 4010)
	v.SetDefault("preview.port_max", 4999)

	// Preview buffer thresholds, in frames per track
	v.SetDefault("buffer.capacity", 120)
	v.SetDefault("buffer.low", 30)
	v.SetDefault("buffer.ready", 60)

	v.SetDefault("viewer.addr", "127.0.0.1:8090")

	v.SetDefault("camlink.home", filepath.Join(xdg.Home, ".camlink"))

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("camera.host", "CAMERA_HOST")
	v.BindEnv("camera.api_port", "CAMERA_API_PORT")
	v.BindEnv("camera.notification_port", "CAMERA_NOTIFICATION_PORT")
	v.BindEnv("viewfinder.port", "VIEWFINDER_PORT")
	v.BindEnv("viewer.addr", "CAMLINK_VIEWER_ADDR")
	v.BindEnv("camlink.home", "CAMLINK_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.camlink",
		"/etc/camlink",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetCameraHost returns the camera address
func GetCameraHost() string {
	return v.GetString("camera.host")
}

// GetCameraAPIPort returns the port of the camera's REST API
func GetCameraAPIPort() int {
	return v.GetInt("camera.api_port")
}

// GetNotificationPort returns the backchannel port, or 0 to use the one the
// camera reports in its status.
func GetNotificationPort() int {
	return v.GetInt("camera.notification_port")
}

// GetViewfinderPort returns the local UDP port for viewfinder datagrams
func GetViewfinderPort() int {
	return v.GetInt("viewfinder.port")
}

// GetPreviewPortRange returns the TCP port range preview ingests bind in
func GetPreviewPortRange() (int, int) {
	return v.GetInt("preview.port_min"), v.GetInt("preview.port_max")
}

// GetBufferThresholds returns capacity, low and ready frame counts
func GetBufferThresholds() (capacity, low, ready int) {
	return v.GetInt("buffer.capacity"), v.GetInt("buffer.low"), v.GetInt("buffer.ready")
}

// GetViewerAddr returns the listen address of the browser viewer
func GetViewerAddr() string {
	return v.GetString("viewer.addr")
}

// GetCamlinkHome returns the camlink home directory
func GetCamlinkHome() string {
	return v.GetString("camlink.home")
}

// GetRecordingsDir returns where recordings without an explicit path go
func GetRecordingsDir() string {
	return filepath.Join(GetCamlinkHome(), "recordings")
}
