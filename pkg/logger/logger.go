// Package logger 基于 zap 构建 minidb 统一的日志
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level: debug, info, warn, error，无法解析时使用 info
	Level string `yaml:"level"`
	// Format: json 或 console
	Format string `yaml:"format"`
	// OutputFile 为 stdout、stderr 或文件路径，文件以追加方式打开
	OutputFile string `yaml:"output_file"`
}

// New 在启动时调用一次
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), ws, level)
	return zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "minidb"))), nil
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
