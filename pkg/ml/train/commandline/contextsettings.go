// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/support/fsutil"
	"github.com/gomlx/splitbn/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "splitbn_split_num=4;splitbn_decay=0.01".
//
// All the parameters must be already set with default values in the root scope of ctx. The default values
// also set the type to which the string values are parsed.
//
// A scope can be given to the parameters: "/bn_1/splitbn_split_num=8" only changes the split number of
// the layer in the scope "/bn_1".
//
// A setting "file:<path>" reads the settings from the file, one or more per line, and lines starting with
// "#" are comments.
//
// It returns the list of parameters set.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseContextSetting(ctx, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		err = errors.Errorf("can't set parameter %q because some scope is set, but it is not absolute (it does not start with %q)",
			paramPath, context.ScopeSeparator)
		return
	}
	value, found := ctx.InAbsPath(context.RootScope).GetParam(paramName)
	if !found {
		err = errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
			paramPath, paramName)
		return
	}

	ctxInScope := ctx.InAbsPath(context.RootScope)
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}

	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) int {
			var asInt int
			if newErr := json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), &asInt); newErr != nil {
				err = newErr
			}
			return asInt
		})
	case []float64:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(str), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, paramPath, value)
		return
	}
	ctxInScope.SetParam(paramName, value)
	newParamsSet = append(newParamsSet, paramPath)
	return
}

// CreateContextSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in the root scope of ctx.
//
// The flag should be created before the call to flag.Parse.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set context parameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separate scopes. `+
			`It can also be given an entry like "file:settings_file.txt", in `+
			`which case the file is read, with new-lines working as ";" and lines starting with "#" as comments. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-prints the values of the hyperparameters into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	slices.Sort(parts)
	return strings.Join(parts, "\n")
}
