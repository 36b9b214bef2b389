package pipeline

import (
	"github.com/toha10/contrail-analytics/internal/engine"
)

// runChunk drives one chunk through its wterms WHERE sub-steps plus one
// SELECT/POST sub-step (the Chunk Executor, C5, spec.md §4.5). WHERE
// sub-steps are strictly ordered: sub-step s+1 is only issued once s's
// callback has fired. ExecuteWhere/ExecuteSelect are asynchronous in the
// Engine interface; blocking on a channel per sub-step is this module's Go
// idiom for the "suspend until the engine-owned callback fires" model
// spec.md §5 describes — goroutines are cheap enough that parking one per
// in-flight sub-step is simpler than a continuation-passing state machine.
func (p *Pipeline) runChunk(c int) (engine.ChunkResult, bool) {
	welem := make([]engine.WhereResult, p.q.WTerms)

	for s := uint32(0); s < p.q.WTerms; s++ {
		type whereMsg struct {
			r    engine.WhereResult
			perf engine.PerfInfo
		}
		ch := make(chan whereMsg, 1)
		p.eng.ExecuteWhere(p.q.QID, c, s, func(r engine.WhereResult, perf engine.PerfInfo) {
			ch <- whereMsg{r, perf}
		})
		msg := <-ch
		if msg.perf.Error {
			p.log.Warn("where sub-step failed", "qid", p.q.QID, "chunk", c, "substep", s, "msg", msg.perf.Message)
			return engine.ChunkResult{}, false
		}
		welem[s] = msg.r
	}

	wresult := p.eng.SetUnion(p.q.QID, welem)

	selCh := make(chan engine.ChunkResult, 1)
	p.eng.ExecuteSelect(p.q.QID, c, wresult, func(cr engine.ChunkResult) { selCh <- cr })
	cr := <-selCh
	if cr.Perf.Error {
		p.log.Warn("select sub-step failed", "qid", p.q.QID, "chunk", c, "msg", cr.Perf.Message)
		return engine.ChunkResult{}, false
	}
	return cr, true
}
