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

package client

import (
	"context"
	"fmt"
	"strings"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/proto"
)

// Resolu resolves a pathname down to its last component, returning a
// lease on the parent directory plus the component name. A pathname
// naming the root returns the root lease and an empty name. Trailing
// slashes are reported so callers can reject them on file creates.
func (cli *FilesystemCli) Resolu(ctx context.Context, who proto.User, at *AT, pathname string) (parent *Lease, name string, hasTrailingSlashes bool, err error) {
	if pathname == "" {
		return nil, "", false, apierrors.ErrInvalidArgument
	}
	relativeRoot := cli.rtlease
	if at != nil {
		relativeRoot = &Lease{name: ".", value: at.value}
	} else if pathname[0] != '/' {
		return nil, "", false, apierrors.ErrInvalidArgument
	}
	hasTrailingSlashes = len(pathname) > 1 && strings.HasSuffix(pathname, "/")
	parent, name, err = cli.resolv(ctx, who, relativeRoot, pathname)
	return parent, name, hasTrailingSlashes, err
}

// resolv walks every interior component through the lookup cache,
// substituting each returned lease as the next step's parent. The
// first failing component surfaces, annotated with the path already
// traversed.
func (cli *FilesystemCli) resolv(ctx context.Context, who proto.User, relativeRoot *Lease, pathname string) (*Lease, string, error) {
	comps := splitPath(pathname)
	if len(comps) == 0 {
		return relativeRoot, "", nil
	}
	cur := relativeRoot
	for i := 0; i < len(comps)-1; i++ {
		value := cur.Value()
		if err := cli.checkExec(who, &value); err != nil {
			return nil, "", fmt.Errorf("resolving %s: %w", joinTraversed(comps, i), err)
		}
		next, err := cli.Lokup(ctx, who, &value, comps[i])
		if err != nil {
			return nil, "", fmt.Errorf("resolving %s: %w", joinTraversed(comps, i), err)
		}
		cur = next
	}
	return cur, comps[len(comps)-1], nil
}

// checkExec mirrors the server's exec test so resolution can fail fast
// off cached state; the server still has the final say.
func (cli *FilesystemCli) checkExec(who proto.User, parent *proto.LookupStat) error {
	if cli.opts.SkipPermChecks || who.Uid == 0 {
		return nil
	}
	mode := parent.DirMode
	switch {
	case who.Uid == parent.Uid:
		mode >>= 6
	case who.Gid == parent.Gid:
		mode >>= 3
	}
	if mode&0o1 == 0 {
		return apierrors.ErrPermissionDenied
	}
	return nil
}

func splitPath(pathname string) []string {
	var comps []string
	for _, c := range strings.Split(pathname, "/") {
		if c != "" && c != "." {
			comps = append(comps, c)
		}
	}
	return comps
}

func joinTraversed(comps []string, upto int) string {
	return "/" + strings.Join(comps[:upto], "/")
}
