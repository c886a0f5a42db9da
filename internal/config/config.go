/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"log"
	"time"
)

// ServerConfig captures the tunables of the HTTP listener shared by every
// role.
type ServerConfig struct {
	Addr   string
	Logger *log.Logger
}

// ClientConfig captures how a role reaches another role over HTTP.
type ClientConfig struct {
	BaseURL     string
	InsecureTLS bool
	Timeout     time.Duration
	Logger      *log.Logger
}

// DirectorConfig is the Director service: its inventory database, the
// directory holding one repository per vehicle, and the role keys signing
// them.
type DirectorConfig struct {
	Server ServerConfig
	DBPath string
	Dir    string
	KeyDir string
	Expiry time.Duration
}

type ImageRepoConfig struct {
	Server ServerConfig
	Dir    string
	KeyDir string
	Expiry time.Duration
}

type TimeserverConfig struct {
	Server  ServerConfig
	KeyFile string
}

// MirrorConfig is one repository a Primary or Secondary trusts, with its
// pinned root.
type MirrorConfig struct {
	Name     string
	URL      string
	RootFile string
}

type PrimaryConfig struct {
	Server            ServerConfig
	VIN               string
	ECUSerial         string
	HardwareID        string
	KeyFile           string
	TimeserverKeyFile string
	Director          ClientConfig
	DirectorMirror    MirrorConfig
	ImageMirrors      []MirrorConfig
	Timeserver        ClientConfig
	Dir               string
	CycleInterval     time.Duration
}

type SecondaryConfig struct {
	VIN               string
	ECUSerial         string
	HardwareID        string
	KeyFile           string
	TimeserverKeyFile string
	Primary           ClientConfig
	Director          ClientConfig // optional, registers the key
	Dir               string
	Interval          time.Duration

	// Partial verification pins the Director's targets key; full
	// verification pins the root of every repository.
	Partial         bool
	DirectorKeyFile string
	DirectorName    string
	RootFiles       map[string]string

	Logger *log.Logger
}
