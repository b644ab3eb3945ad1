package memcached

import "encoding/binary"

// dialect abstracts the wire protocol spoken to a node for single-key
// operations. Both dialects express the same command set; only the
// framing differs, and both are reachable from the same Client methods
// via a dialect switch rather than a pair of parallel client types.
type dialect interface {
	get(cn *conn, key string, opaque uint32) (*Response, error)
	store(cn *conn, opcode OpCode, key string, exp, opaque uint32, cas uint64, body []byte) (*Response, error)
	del(cn *conn, key string, opaque uint32) (*Response, error)
	delta(cn *conn, deltaMode DeltaMode, key string, delta, initial uint64, exp uint32) (uint64, error)
	appendPrepend(cn *conn, appendMode AppendMode, key string, opaque uint32, data []byte) (*Response, error)
	flushAll(cn *conn, exp, opaque uint32) error
	stats(cn *conn, statType string, opaque uint32) (map[string]string, error)
}

// binaryDialect is the classic memcached binary protocol: fixed
// 24-byte headers, opcodes, and an opaque request/response pairing.
// This is the Client's default dialect.
type binaryDialect struct{}

var _ dialect = binaryDialect{}

func (binaryDialect) get(cn *conn, key string, opaque uint32) (*Response, error) {
	req := &Request{Opcode: GET, Opaque: opaque, Key: []byte(key)}
	req.prepareExtras(0, 0, 0)
	return cn.c.send(cn, req)
}

func (binaryDialect) store(cn *conn, opcode OpCode, key string, exp, opaque uint32, cas uint64, body []byte) (*Response, error) {
	req := &Request{Opcode: opcode, Key: []byte(key), Opaque: opaque, Cas: cas, Body: body}
	req.prepareExtras(exp, 0, 0)
	return cn.c.send(cn, req)
}

func (binaryDialect) del(cn *conn, key string, opaque uint32) (*Response, error) {
	req := &Request{Opcode: DELETE, Opaque: opaque, Key: []byte(key)}
	req.prepareExtras(0, 0, 0)
	return cn.c.send(cn, req)
}

func (binaryDialect) delta(cn *conn, deltaMode DeltaMode, key string, delta, initial uint64, exp uint32) (uint64, error) {
	req := &Request{Opcode: deltaMode.Resolve(), Key: []byte(key)}
	req.prepareExtras(exp, delta, initial)

	resp, err := cn.c.send(cn, req)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(resp.Body), nil
}

func (binaryDialect) appendPrepend(cn *conn, appendMode AppendMode, key string, opaque uint32, data []byte) (*Response, error) {
	req := &Request{Opcode: appendMode.Resolve(), Opaque: opaque, Key: []byte(key), Body: data}
	req.prepareExtras(0, 0, 0)
	return cn.c.send(cn, req)
}

func (binaryDialect) flushAll(cn *conn, exp, opaque uint32) error {
	req := &Request{Opcode: FLUSH, Opaque: opaque}
	req.prepareExtras(exp, 0, 0)
	_, err := cn.c.send(cn, req)
	return err
}

func (binaryDialect) stats(cn *conn, statType string, opaque uint32) (map[string]string, error) {
	req := &Request{Opcode: STAT, Opaque: opaque}
	if statType != "" {
		req.Key = []byte(statType)
	}
	req.prepareExtras(0, 0, 0)

	if _, err := transmitRequest(cn.wrtBuf, req); err != nil {
		cn.healthy = false
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	stats := make(map[string]string)
	for {
		resp, _, err := getResponse(cn.rc, cn.hdrBuf)
		if err != nil {
			cn.healthy = !isFatal(err)
			return nil, err
		}
		if len(resp.Key) == 0 {
			// Terminal response: empty key, empty body.
			return stats, nil
		}
		stats[string(resp.Key)] = string(resp.Body)
	}
}

// textDialect is the classic line-oriented text protocol. It has no
// opaque field and no quiet opcodes, so pipelined multi-key batches
// (MultiGet/MultiStore/MultiDelete) always use the binary dialect
// regardless of the Client's configured dialect; everything else,
// including the FlushAll/Stats broadcasts, goes through it.
type textDialect struct{}

var _ dialect = textDialect{}

func (textDialect) get(cn *conn, key string, _ uint32) (*Response, error) {
	if err := textWriteRetrieve(cn.wrtBuf, true, key); err != nil {
		cn.healthy = false
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	item, err := textReadRetrieveReply(cn.reader())
	if err != nil {
		cn.healthy = !textFatal(err)
		return nil, err
	}

	return &Response{Status: SUCCESS, Key: []byte(item.Key), Cas: item.Cas, Body: item.Value}, nil
}

func (textDialect) store(cn *conn, opcode OpCode, key string, exp, _ uint32, cas uint64, body []byte) (*Response, error) {
	cmd, ok := storageCommandName(opcode)
	if !ok {
		return nil, ErrUnknownCommand
	}
	if cas != 0 {
		cmd = "cas"
	}

	if err := textWriteStorage(cn.wrtBuf, cmd, key, 0, exp, cas, body); err != nil {
		cn.healthy = false
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	err := textReadStorageReply(cn.reader())
	cn.healthy = !textFatal(err)
	if err != nil {
		return nil, err
	}
	return &Response{Status: SUCCESS, Key: []byte(key)}, nil
}

func (textDialect) del(cn *conn, key string, _ uint32) (*Response, error) {
	if err := textWriteDelete(cn.wrtBuf, key); err != nil {
		cn.healthy = false
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	err := textReadStorageReply(cn.reader())
	cn.healthy = !textFatal(err)
	if err != nil {
		return nil, err
	}
	return &Response{Status: SUCCESS, Key: []byte(key)}, nil
}

func (textDialect) delta(cn *conn, deltaMode DeltaMode, key string, delta, _ uint64, _ uint32) (uint64, error) {
	if err := textWriteDelta(cn.wrtBuf, deltaMode == Increment, key, delta); err != nil {
		cn.healthy = false
		return 0, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return 0, err
	}

	v, err := textReadDeltaReply(cn.reader())
	cn.healthy = !textFatal(err)
	return v, err
}

func (textDialect) appendPrepend(cn *conn, appendMode AppendMode, key string, _ uint32, data []byte) (*Response, error) {
	cmd := "append"
	if appendMode == Prepend {
		cmd = "prepend"
	}

	if err := textWriteStorage(cn.wrtBuf, cmd, key, 0, 0, 0, data); err != nil {
		cn.healthy = false
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	err := textReadStorageReply(cn.reader())
	cn.healthy = !textFatal(err)
	if err != nil {
		return nil, err
	}
	return &Response{Status: SUCCESS, Key: []byte(key)}, nil
}

func (textDialect) flushAll(cn *conn, exp, _ uint32) error {
	if err := textWriteFlushAll(cn.wrtBuf, exp); err != nil {
		cn.healthy = false
		return err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return err
	}

	err := textReadStorageReply(cn.reader())
	cn.healthy = !textFatal(err)
	return err
}

func (textDialect) stats(cn *conn, statType string, _ uint32) (map[string]string, error) {
	if err := textWriteStats(cn.wrtBuf, statType); err != nil {
		cn.healthy = false
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	stats, err := textReadStatsReply(cn.reader())
	cn.healthy = !textFatal(err)
	return stats, err
}

// textFatal reports whether err should poison a text-dialect
// connection. Protocol-level replies (miss, not-stored, cas conflict)
// leave the stream at a line boundary, so the connection stays usable;
// anything else means the framing state is unknown.
func textFatal(err error) bool {
	if err == nil {
		return false
	}
	return !resumableError(err)
}

func storageCommandName(opcode OpCode) (string, bool) {
	switch opcode {
	case SET, SETQ:
		return "set", true
	case ADD, ADDQ:
		return "add", true
	case REPLACE, REPLACEQ:
		return "replace", true
	default:
		return "", false
	}
}
