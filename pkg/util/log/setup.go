// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package log

import (
	"fmt"

	"github.com/cihub/seelog"
)

const seelogConfigTemplate = `
<seelog minlevel="%[1]s">
	<outputs formatid="common">
		<console />%[2]s
	</outputs>
	<formats>
		<format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line in %%FuncShort) | %%Msg%%n"/>
	</formats>
</seelog>`

// BuildLogger constructs a seelog logger writing to the console and,
// when logFile is not empty, to a rolling file.
func BuildLogger(level string, logFile string) (seelog.LoggerInterface, error) {
	fileOutput := ""
	if logFile != "" {
		fileOutput = fmt.Sprintf(`
		<rollingfile type="size" filename="%s" maxsize="10000000" maxrolls="1" />`, logFile)
	}

	cfg := fmt.Sprintf(seelogConfigTemplate, validateLogLevel(level), fileOutput)
	return seelog.LoggerFromConfigAsString(cfg)
}

// SetupFromSettings builds and installs the process logger.
func SetupFromSettings(level string, logFile string) error {
	l, err := BuildLogger(level, logFile)
	if err != nil {
		return fmt.Errorf("cannot build logger: %w", err)
	}
	SetupLogger(l, level)
	return nil
}

func validateLogLevel(level string) string {
	if _, ok := seelog.LogLevelFromString(level); !ok {
		return "info"
	}
	return level
}
