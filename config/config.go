/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package config contains the configuration of SegmentDB.
*/
package config

import (
	"fmt"
	"strconv"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/common/fileutil"
)

// Global variables
// ================

/*
DefaultConfigFile is the default config file which will be used to configure SegmentDB
*/
var DefaultConfigFile = "segmentdb.config.json"

/*
Known configuration options for SegmentDB
*/
const (
	LocationDatastore        = "LocationDatastore"
	PageSize                 = "PageSize"
	CachePages               = "CachePages"
	DeviceMaxFileSize        = "DeviceMaxFileSize"
	DeviceIOLimitBytesPerSec = "DeviceIOLimitBytesPerSec"
	EnableLockfile           = "EnableLockfile"
	ExecQuantumTuples        = "ExecQuantumTuples"
	ExecCachePagesQuota      = "ExecCachePagesQuota"
	SegmentPagesIncrement    = "SegmentPagesIncrement"
	SegmentPagesMax          = "SegmentPagesMax"
	EnableTracing            = "EnableTracing"
	TracingRingSize          = "TracingRingSize"
	LogLevel                 = "LogLevel"
)

/*
DefaultConfig is the defaut configuration
*/
var DefaultConfig = map[string]interface{}{
	LocationDatastore:        "db",
	PageSize:                 "4096",
	CachePages:               "1024",
	DeviceMaxFileSize:        "1073741824",
	DeviceIOLimitBytesPerSec: "0",
	EnableLockfile:           true,
	ExecQuantumTuples:        "1000",
	ExecCachePagesQuota:      "256",
	SegmentPagesIncrement:    "64",
	SegmentPagesMax:          "1048576",
	EnableTracing:            false,
	TracingRingSize:          "100",
	LogLevel:                 "info",
}

/*
Config is the actual config which is used
*/
var Config map[string]interface{}

/*
LoadConfigFile loads a given config file. If the config file does not exist it is
created with the default options.
*/
func LoadConfigFile(configfile string) error {
	var err error

	Config, err = fileutil.LoadConfig(configfile, DefaultConfig)

	return err
}

/*
LoadDefaultConfig loads the default configuration.
*/
func LoadDefaultConfig() {
	data := make(map[string]interface{})
	for k, v := range DefaultConfig {
		data[k] = v
	}

	Config = data
}

// Helper functions
// ================

/*
Str reads a config value as a string value.
*/
func Str(key string) string {
	return fmt.Sprint(Config[key])
}

/*
Int reads a config value as an int value.
*/
func Int(key string) int64 {

	// Numbers from JSON files are float64 values

	if f, ok := Config[key].(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}

	ret, err := strconv.ParseInt(fmt.Sprint(Config[key]), 10, 64)

	errorutil.AssertTrue(err == nil,
		fmt.Sprintf("Could not parse config key %v: %v", key, err))

	return ret
}

/*
Bool reads a config value as a boolean value.
*/
func Bool(key string) bool {
	ret, err := strconv.ParseBool(fmt.Sprint(Config[key]))

	errorutil.AssertTrue(err == nil,
		fmt.Sprintf("Could not parse config key %v: %v", key, err))

	return ret
}
