package fsm

import "context"

// streamStatement executes one PULL or DISCARD against the statement named
// by qid (DefaultStatement targets the most recently opened one).
//
// Metadata contract, matching what Neo4j drivers expect:
//   - partial stream: success carries only has_more=true, no db/t_last;
//   - closed stream: success carries type, t_last and db, never has_more;
//   - closed stream in AUTOCOMMIT: the implicit transaction is committed
//     and its bookmark joins the final metadata.
//
// Exhausting a statement removes it from the transaction's statement
// table (the Statement implementation does this before Pull/Discard
// returns), so a subsequent request for the same qid fails as not-found.
func (m *StateMachine) streamStatement(ctx context.Context, sink ResponseSink, qid, n int64, discard bool) outcome {
	if m.tx.Terminated() {
		// Externally terminated: surface the termination but keep the
		// transaction attached until the client resets.
		return failWith(Terminated())
	}

	var (
		st  Statement
		err error
	)
	if qid == DefaultStatement {
		st, err = m.tx.LastStatement()
	} else {
		st, err = m.tx.Statement(qid)
	}
	if err != nil {
		return failWith(StatusOf(err))
	}

	var summary StreamSummary
	if discard {
		summary, err = st.Discard(ctx, n)
	} else {
		summary, err = st.Pull(ctx, n, sink)
	}
	if err != nil {
		return failWith(StatusOf(err))
	}

	if summary.HasMore {
		return succeedTo(m.state, map[string]any{
			"has_more": true,
		})
	}

	meta := map[string]any{
		"type":   summary.Type,
		"t_last": summary.TLast,
		"db":     m.txDB,
	}

	if m.state == StateAutoCommit {
		bookmark, err := m.tx.Commit(ctx)
		m.detachTransaction()
		if err != nil {
			return failWith(StatusOf(err))
		}
		meta["bookmark"] = bookmark.String()
		return succeedTo(StateReady, meta)
	}

	return succeedTo(StateInTransaction, meta)
}
