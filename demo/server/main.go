// Command server hosts MVT tiles rendered on the fly from FlatGeobuf
// sources. Sources, the reader backend and the listen port come from a
// TOML config file.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tingold/fgbtiles"
)

type sourceConfig struct {
	Path    string `mapstructure:"path"`
	Layer   string `mapstructure:"layer"`
	MinZoom int    `mapstructure:"minzoom"`
	MaxZoom int    `mapstructure:"maxzoom"`
}

func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.port", "8080")
	viper.SetDefault("app.loglevel", "info")
	viper.SetDefault("reader.type", "file")
	viper.SetDefault("reader.base", ".")
}

func buildReader() fgbtiles.RangeReader {
	switch viper.GetString("reader.type") {
	case "http":
		return fgbtiles.NewHTTPReader(viper.GetString("reader.base"), nil)
	default:
		return fgbtiles.NewFileReader(viper.GetString("reader.base"))
	}
}

func main() {
	var cfgFile string
	flag.StringVar(&cfgFile, "c", "conf.toml", "set config `file`")
	flag.Parse()

	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	initConf(cfgFile)
	if level, err := log.ParseLevel(viper.GetString("app.loglevel")); err == nil {
		log.SetLevel(level)
	}

	var srcConfigs []sourceConfig
	if err := viper.UnmarshalKey("sources", &srcConfigs); err != nil {
		log.Fatalf("invalid sources config: %s", err)
	}
	sources := make([]fgbtiles.Source, 0, len(srcConfigs))
	for _, c := range srcConfigs {
		opts := fgbtiles.SourceOptions{MinZoom: c.MinZoom}
		if c.MaxZoom > 0 {
			opts.MaxZoom = fgbtiles.Int(c.MaxZoom)
		}
		sources = append(sources, fgbtiles.Source{
			Path:    c.Path,
			Layer:   c.Layer,
			Options: opts,
		})
	}

	tiler, err := fgbtiles.NewTiler(buildReader(), sources, fgbtiles.DefaultOptions())
	if err != nil {
		log.Fatalf("tiler setup failed: %s", err)
	}
	defer tiler.Close()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/tiles/:z/:x/:y", func(c *gin.Context) {
		z, errZ := strconv.ParseUint(c.Param("z"), 10, 32)
		x, errX := strconv.ParseUint(c.Param("x"), 10, 32)
		yParam := strings.TrimSuffix(strings.TrimSuffix(c.Param("y"), ".pbf"), ".mvt")
		y, errY := strconv.ParseUint(yParam, 10, 32)
		if errZ != nil || errX != nil || errY != nil || z > 24 ||
			x >= 1<<z || y >= 1<<z {
			c.String(http.StatusBadRequest, "invalid tile coordinates")
			return
		}
		data, err := tiler.Tile(c.Request.Context(), uint32(z), uint32(x), uint32(y))
		if err != nil {
			log.WithError(err).Errorf("tile %d/%d/%d failed", z, x, y)
			c.String(http.StatusInternalServerError, "tile rendering failed")
			return
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.Data(http.StatusOK, "application/vnd.mapbox-vector-tile", data)
	})

	r.GET("/tilejson.json", func(c *gin.Context) {
		base := fmt.Sprintf("http://%s/tiles/{z}/{x}/{y}.mvt", c.Request.Host)
		doc, err := tiler.TileJSON(c.Request.Context(), base)
		if err != nil {
			log.WithError(err).Error("tilejson failed")
			c.String(http.StatusInternalServerError, "tilejson failed")
			return
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.JSON(http.StatusOK, doc)
	})

	port := viper.GetString("app.port")
	log.Infof("serving tiles on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
