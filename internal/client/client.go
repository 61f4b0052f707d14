// Copyright 2024 The Oracle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client declares the narrow interface the core uses to reply to
// network clients. The wire protocol and network layer themselves are
// external collaborators, out of scope for this module; Client is the only
// point of contact the core has with them.
package client

// Client is an opaque per-connection reply handle, implemented by the
// network front-end. SendReply silently drops the reply if the underlying
// channel has already been closed.
type Client interface {
	SendReply(msg Reply)
}

// Reply is the tagged union of messages the core ever sends downstream.
type Reply interface {
	isReply()
}

// TimestampResponse answers a Timestamp request.
type TimestampResponse struct {
	TS uint64
}

func (TimestampResponse) isReply() {}

// CommitResponse answers a successful Commit request. It is only ever sent
// after the corresponding log record is durable.
type CommitResponse struct {
	StartTS  uint64
	CommitTS uint64
}

func (CommitResponse) isReply() {}

// AbortResponse answers a failed Commit request.
type AbortResponse struct {
	StartTS uint64
	IsRetry bool
}

func (AbortResponse) isReply() {}
