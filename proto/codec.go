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

package proto

import (
	"encoding/binary"

	apierrors "github.com/gigafs/gigafs/errors"
)

// Fixed operation set. Opcodes are pinned; new ops append only.
type OpCode uint8

const (
	OpLokup OpCode = iota
	OpMkdir
	OpMkfle
	OpMkfls
	OpBukin
	OpLstat
	NumOps
)

func (op OpCode) String() string {
	switch op {
	case OpLokup:
		return "Lokup"
	case OpMkdir:
		return "Mkdir"
	case OpMkfle:
		return "Mkfle"
	case OpMkfls:
		return "Mkfls"
	case OpBukin:
		return "Bukin"
	case OpLstat:
		return "Lstat"
	default:
		return "unknown"
	}
}

// Message is implemented by every request and response so the transport
// can stay payload-agnostic.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func getU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, apierrors.ErrBadMessage
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func getBytes(b []byte) ([]byte, []byte, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 || uint64(len(b)-sz) < n {
		return nil, nil, apierrors.ErrBadMessage
	}
	b = b[sz:]
	return b[:n], b[n:], nil
}

// Request prefix common to all ops:
// opcode:u8 | uid:u32 | gid:u32 | parent:LookupStat.
func appendReqPrefix(b []byte, op OpCode, who User, parent *LookupStat) []byte {
	b = append(b, byte(op))
	b = appendU32(b, who.Uid)
	b = appendU32(b, who.Gid)
	return parent.AppendTo(b)
}

func getReqPrefix(b []byte, op OpCode, who *User, parent *LookupStat) ([]byte, error) {
	if len(b) < 1 || OpCode(b[0]) != op {
		return nil, apierrors.ErrBadMessage
	}
	b = b[1:]
	var err error
	if who.Uid, b, err = getU32(b); err != nil {
		return nil, err
	}
	if who.Gid, b, err = getU32(b); err != nil {
		return nil, err
	}
	return parent.DecodeFrom(b)
}

// Response prefix: status:uvarint. A StaleDirIndex status carries the
// server's current dir index snapshot so the client can catch up.
func appendRespPrefix(b []byte, status uint32, dirIdx []byte) []byte {
	b = binary.AppendUvarint(b, uint64(status))
	if status == CodeStaleDirIndex {
		b = appendBytes(b, dirIdx)
	}
	return b
}

func getRespPrefix(b []byte) (status uint32, dirIdx, rest []byte, err error) {
	v, sz := binary.Uvarint(b)
	if sz <= 0 {
		return 0, nil, nil, apierrors.ErrBadMessage
	}
	status = uint32(v)
	rest = b[sz:]
	if status == CodeStaleDirIndex {
		dirIdx, rest, err = getBytes(rest)
	}
	return status, dirIdx, rest, err
}

type LokupRequest struct {
	Who    User
	Parent LookupStat
	Name   []byte
}

func (r *LokupRequest) Marshal() ([]byte, error) {
	b := appendReqPrefix(nil, OpLokup, r.Who, &r.Parent)
	return appendBytes(b, r.Name), nil
}

func (r *LokupRequest) Unmarshal(b []byte) (err error) {
	if b, err = getReqPrefix(b, OpLokup, &r.Who, &r.Parent); err != nil {
		return err
	}
	r.Name, _, err = getBytes(b)
	return err
}

type LokupResponse struct {
	Status uint32
	Stat   LookupStat
	DirIdx []byte
}

func (r *LokupResponse) Marshal() ([]byte, error) {
	b := appendRespPrefix(nil, r.Status, r.DirIdx)
	if r.Status == CodeOK {
		b = r.Stat.AppendTo(b)
	}
	return b, nil
}

func (r *LokupResponse) Unmarshal(b []byte) (err error) {
	if r.Status, r.DirIdx, b, err = getRespPrefix(b); err != nil {
		return err
	}
	if r.Status == CodeOK {
		_, err = r.Stat.DecodeFrom(b)
	}
	return err
}

type MkdirRequest struct {
	Who    User
	Parent LookupStat
	Mode   uint32
	Name   []byte
}

func (r *MkdirRequest) Marshal() ([]byte, error) {
	b := appendReqPrefix(nil, OpMkdir, r.Who, &r.Parent)
	b = appendU32(b, r.Mode)
	return appendBytes(b, r.Name), nil
}

func (r *MkdirRequest) Unmarshal(b []byte) (err error) {
	if b, err = getReqPrefix(b, OpMkdir, &r.Who, &r.Parent); err != nil {
		return err
	}
	if r.Mode, b, err = getU32(b); err != nil {
		return err
	}
	r.Name, _, err = getBytes(b)
	return err
}

type MkdirResponse struct {
	Status uint32
	Stat   Stat
	DirIdx []byte
}

func (r *MkdirResponse) Marshal() ([]byte, error) {
	b := appendRespPrefix(nil, r.Status, r.DirIdx)
	if r.Status == CodeOK {
		b = r.Stat.AppendTo(b)
	}
	return b, nil
}

func (r *MkdirResponse) Unmarshal(b []byte) (err error) {
	if r.Status, r.DirIdx, b, err = getRespPrefix(b); err != nil {
		return err
	}
	if r.Status == CodeOK {
		_, err = r.Stat.DecodeFrom(b)
	}
	return err
}

type MkfleRequest struct {
	Who    User
	Parent LookupStat
	Mode   uint32
	Name   []byte
}

func (r *MkfleRequest) Marshal() ([]byte, error) {
	b := appendReqPrefix(nil, OpMkfle, r.Who, &r.Parent)
	b = appendU32(b, r.Mode)
	return appendBytes(b, r.Name), nil
}

func (r *MkfleRequest) Unmarshal(b []byte) (err error) {
	if b, err = getReqPrefix(b, OpMkfle, &r.Who, &r.Parent); err != nil {
		return err
	}
	if r.Mode, b, err = getU32(b); err != nil {
		return err
	}
	r.Name, _, err = getBytes(b)
	return err
}

type MkfleResponse struct {
	Status uint32
	Stat   Stat
	DirIdx []byte
}

func (r *MkfleResponse) Marshal() ([]byte, error) {
	b := appendRespPrefix(nil, r.Status, r.DirIdx)
	if r.Status == CodeOK {
		b = r.Stat.AppendTo(b)
	}
	return b, nil
}

func (r *MkfleResponse) Unmarshal(b []byte) (err error) {
	if r.Status, r.DirIdx, b, err = getRespPrefix(b); err != nil {
		return err
	}
	if r.Status == CodeOK {
		_, err = r.Stat.DecodeFrom(b)
	}
	return err
}

// MkflsRequest carries a packed array of n uvarint-length-prefixed names.
type MkflsRequest struct {
	Who     User
	Parent  LookupStat
	Mode    uint32
	N       uint32
	NameArr []byte
}

func (r *MkflsRequest) Marshal() ([]byte, error) {
	b := appendReqPrefix(nil, OpMkfls, r.Who, &r.Parent)
	b = appendU32(b, r.Mode)
	b = appendU32(b, r.N)
	return appendBytes(b, r.NameArr), nil
}

func (r *MkflsRequest) Unmarshal(b []byte) (err error) {
	if b, err = getReqPrefix(b, OpMkfls, &r.Who, &r.Parent); err != nil {
		return err
	}
	if r.Mode, b, err = getU32(b); err != nil {
		return err
	}
	if r.N, b, err = getU32(b); err != nil {
		return err
	}
	r.NameArr, _, err = getBytes(b)
	return err
}

// MkflsResponse.N counts the names created before the first failure.
// N < requested is a contract, not an error: the caller retries the tail.
type MkflsResponse struct {
	Status uint32
	N      uint32
	DirIdx []byte
}

func (r *MkflsResponse) Marshal() ([]byte, error) {
	b := appendRespPrefix(nil, r.Status, r.DirIdx)
	return appendU32(b, r.N), nil
}

func (r *MkflsResponse) Unmarshal(b []byte) (err error) {
	if r.Status, r.DirIdx, b, err = getRespPrefix(b); err != nil {
		return err
	}
	r.N, _, err = getU32(b)
	return err
}

// BukinRequest names a directory of externally built tables to ingest
// into the server's L0.
type BukinRequest struct {
	Who    User
	Parent LookupStat
	Dir    []byte
}

func (r *BukinRequest) Marshal() ([]byte, error) {
	b := appendReqPrefix(nil, OpBukin, r.Who, &r.Parent)
	return appendBytes(b, r.Dir), nil
}

func (r *BukinRequest) Unmarshal(b []byte) (err error) {
	if b, err = getReqPrefix(b, OpBukin, &r.Who, &r.Parent); err != nil {
		return err
	}
	r.Dir, _, err = getBytes(b)
	return err
}

type BukinResponse struct {
	Status uint32
	DirIdx []byte
}

func (r *BukinResponse) Marshal() ([]byte, error) {
	return appendRespPrefix(nil, r.Status, r.DirIdx), nil
}

func (r *BukinResponse) Unmarshal(b []byte) (err error) {
	r.Status, r.DirIdx, _, err = getRespPrefix(b)
	return err
}

type LstatRequest struct {
	Who    User
	Parent LookupStat
	Name   []byte
}

func (r *LstatRequest) Marshal() ([]byte, error) {
	b := appendReqPrefix(nil, OpLstat, r.Who, &r.Parent)
	return appendBytes(b, r.Name), nil
}

func (r *LstatRequest) Unmarshal(b []byte) (err error) {
	if b, err = getReqPrefix(b, OpLstat, &r.Who, &r.Parent); err != nil {
		return err
	}
	r.Name, _, err = getBytes(b)
	return err
}

type LstatResponse struct {
	Status uint32
	Stat   Stat
	DirIdx []byte
}

func (r *LstatResponse) Marshal() ([]byte, error) {
	b := appendRespPrefix(nil, r.Status, r.DirIdx)
	if r.Status == CodeOK {
		b = r.Stat.AppendTo(b)
	}
	return b, nil
}

func (r *LstatResponse) Unmarshal(b []byte) (err error) {
	if r.Status, r.DirIdx, b, err = getRespPrefix(b); err != nil {
		return err
	}
	if r.Status == CodeOK {
		_, err = r.Stat.DecodeFrom(b)
	}
	return err
}

// PackName appends one uvarint-length-prefixed name to a packed array.
func PackName(arr, name []byte) []byte {
	return appendBytes(arr, name)
}

// UnpackName splits the next name off a packed array.
func UnpackName(arr []byte) (name, rest []byte, err error) {
	return getBytes(arr)
}
