// Copyright 2023 The GigaFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
)

type Config struct {
	DbPath    string              `json:"db_path"`
	FsOptions FilesystemOptions   `json:"fs_options"`
	DbOptions FilesystemDbOptions `json:"db_options"`
}

// Server bundles the engine with its db bootstrap for cmd wiring.
type Server struct {
	*Filesystem
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	cfg.DbOptions.ReadFromEnv()
	fs := NewFilesystem(cfg.FsOptions)
	if err := fs.OpenFilesystem(ctx, cfg.DbPath, cfg.DbOptions); err != nil {
		return nil, err
	}
	return &Server{Filesystem: fs}, nil
}
