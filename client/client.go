// Package client implements the distqe-client CLI's connection to a
// worker (spec.md §6 "CLI (client)"): dialing a worker as an external
// connection, submitting a query, polling §5's wait-for-completion
// cadence, and paging through the result set via the query-data
// service (§4.8).
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/transport"
	"github.com/chapterhouse/distqe/wire"
)

// statusPollInterval/statusPollTimeout implement spec.md §5's
// "Wait-for-query-to-finish (client): poll every 500 ms up to 60 s."
const (
	statusPollInterval = 500 * time.Millisecond
	statusPollTimeout  = 60 * time.Second
)

// requestTimeout bounds a single request/reply round trip (spec.md §5
// "Request/reply: caller-specified (5-10 s typical)").
const requestTimeout = 10 * time.Second

// pageLimit bounds how many rows a single GetQueryData request asks
// for; FetchAllRows keeps paging forward until the service reports
// ReachedEndOfFiles.
const pageLimit = 4096

// Client is one connection's worth of state: a single socket to one
// worker, identified as an external connection (wire.IdentifyConnection)
// rather than a peer worker.
type Client struct {
	id   cos.UUID128
	pool *transport.Pool
	conn *transport.Conn
	pipe *pipe.Pipe
	out  chan *wire.Message
}

// Connect dials addr, completes the Identify handshake, and returns a
// Client ready to run queries against it. clusterSecret may be empty,
// matching the worker's own --cluster-secret default.
func Connect(ctx context.Context, addr, clusterSecret string) (*Client, error) {
	id := cos.NewUUID128()
	out := make(chan *wire.Message, 64)
	p, inboundFeed := pipe.NewWithExistingSender(out, 64)

	pool := transport.NewPool(id, clusterSecret, func(_ *transport.Conn, msg *wire.Message) {
		select {
		case inboundFeed <- msg:
		default:
		}
	}, nil, nil)

	conn, err := pool.Dial(ctx, addr, wire.IdentifyConnection)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("client: dialing %s: %w", addr, err)
	}

	// Drains everything the pipe sends out to the socket, the same
	// shape as operator/host.go's outbound pump.
	go func() {
		for msg := range out {
			conn.Send(msg)
		}
	}()

	return &Client{id: id, pool: pool, conn: conn, pipe: p, out: out}, nil
}

// Close tears down the connection. It is safe to call once.
func (c *Client) Close() {
	c.conn.Close()
	c.pool.Close()
	close(c.out)
}

func (c *Client) request(ctx context.Context, msg *wire.Message, expectKind uint16) (*wire.Message, error) {
	msg.From.Connection = c.id
	return c.pipe.SendRequest(ctx, msg, expectKind, requestTimeout)
}

// RunQuery submits sql and returns the worker-assigned query id.
func (c *Client) RunQuery(ctx context.Context, sql string) (cos.UUID128, error) {
	reply, err := c.request(ctx, wire.NewMessage(wire.KindRunQuery, &wire.RunQueryPayload{SQL: sql}), wire.KindRunQueryResp)
	if err != nil {
		return cos.Nil, fmt.Errorf("client: run query: %w", err)
	}
	resp := reply.Body.(*wire.RunQueryRespPayload)
	if !resp.Created {
		return cos.Nil, fmt.Errorf("client: worker rejected query: %s", resp.Error)
	}
	return resp.QueryID, nil
}

// GetQueryStatus returns the query's current status, or an error if
// the worker has no record of it.
func (c *Client) GetQueryStatus(ctx context.Context, queryID cos.UUID128) (wire.StatusOnWire, error) {
	reply, err := c.request(ctx, wire.NewMessage(wire.KindGetQueryStatus, &wire.GetQueryStatusPayload{QueryID: queryID}), wire.KindGetQueryStatusResp)
	if err != nil {
		return wire.StatusOnWire{}, fmt.Errorf("client: get query status: %w", err)
	}
	resp := reply.Body.(*wire.GetQueryStatusRespPayload)
	if !resp.Found {
		return wire.StatusOnWire{}, fmt.Errorf("client: worker has no record of query %s", queryID)
	}
	return resp.Status, nil
}

// WaitForCompletion polls GetQueryStatus at statusPollInterval until
// the query reaches a terminal status (complete or error) or
// statusPollTimeout elapses (spec.md §5).
func (c *Client) WaitForCompletion(ctx context.Context, queryID cos.UUID128) (wire.StatusOnWire, error) {
	deadline := time.Now().Add(statusPollTimeout)
	for {
		status, err := c.GetQueryStatus(ctx, queryID)
		if err != nil {
			return wire.StatusOnWire{}, err
		}
		switch status.Kind {
		case "complete", "error":
			return status, nil
		}
		if time.Now().After(deadline) {
			return wire.StatusOnWire{}, fmt.Errorf("client: query %s did not finish within %s", queryID, statusPollTimeout)
		}
		select {
		case <-time.After(statusPollInterval):
		case <-ctx.Done():
			return wire.StatusOnWire{}, ctx.Err()
		}
	}
}

// FetchAllRows pages forward through a completed query's result set
// from the very first row, concatenating every page into one batch
// (spec.md §4.8's algorithm run to exhaustion).
func (c *Client) FetchAllRows(ctx context.Context, queryID cos.UUID128) (recbatch.Batch, error) {
	var pages []recbatch.Batch
	var fileIdx, rgIdx, rowIdx uint64
	first := true

	for {
		req := wire.NewMessage(wire.KindGetQueryData, &wire.GetQueryDataPayload{
			QueryID:     queryID,
			FileIdx:     fileIdx,
			RowGroupIdx: rgIdx,
			RowIdx:      rowIdx,
			Limit:       pageLimit,
			Forward:     true,
		})
		reply, err := c.request(ctx, req, wire.KindGetQueryDataResp)
		if err != nil {
			return recbatch.Batch{}, fmt.Errorf("client: get query data: %w", err)
		}
		resp := reply.Body.(*wire.GetQueryDataRespPayload)

		switch resp.Outcome {
		case wire.GetQueryDataReachedEndOfFiles:
			return recbatch.Concat(pages...)
		case wire.GetQueryDataRowGroupNotFound:
			if first {
				return recbatch.Batch{}, fmt.Errorf("client: query %s produced no results", queryID)
			}
			return recbatch.Concat(pages...)
		case wire.GetQueryDataError:
			return recbatch.Batch{}, fmt.Errorf("client: worker reported: %s", resp.Error)
		}

		batch, err := recbatch.Unmarshal(resp.Data)
		if err != nil {
			return recbatch.Batch{}, fmt.Errorf("client: decoding result batch: %w", err)
		}
		pages = append(pages, batch)
		first = false

		if len(resp.Offsets) == 0 {
			return recbatch.Concat(pages...)
		}
		last := resp.Offsets[len(resp.Offsets)-1]
		fileIdx, rgIdx, rowIdx = last.FileIdx, last.RowGroupIdx, last.RowIdx+1
	}
}
