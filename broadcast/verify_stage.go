package broadcast

// VerifyStage returns the verification stage that follows a data stage.
// It echoes received (as finalized by the data stage, nil for missing),
// checks incoming echoes with check, and on agreement calls next with the
// agreed value of every party.
func VerifyStage[M, R any](
	c *Common,
	number uint8,
	name string,
	received map[uint32]*M,
	check func(idx uint32, m *M) error,
	next func(agreed map[uint32]*M) Result[R],
) *BroadcastStage[Echo[M], R] {
	return NewStage[Echo[M], R](c, number, name, &verifyProcessor[M, R]{
		common:   c,
		received: received,
		check:    check,
		next:     next,
	})
}

type verifyProcessor[M, R any] struct {
	common   *Common
	received map[uint32]*M
	check    func(idx uint32, m *M) error
	next     func(agreed map[uint32]*M) Result[R]
}

func (p *verifyProcessor[M, R]) Init() DataToSend[Echo[M]] {
	return DataToSend[Echo[M]]{Broadcast: &Echo[M]{Data: p.received}}
}

func (p *verifyProcessor[M, R]) ValidateMessage(_ uint32, e *Echo[M]) error {
	return ValidateEcho(e, p.dataSenders(), p.check)
}

func (p *verifyProcessor[M, R]) Process(echoes map[uint32]*Echo[M]) Result[R] {
	agreed, failure := Verify(p.common.Threshold(), p.dataSenders(), echoes)
	if failure != nil {
		return Result[R]{failure: failure}
	}
	return p.next(agreed)
}

func (p *verifyProcessor[M, R]) dataSenders() []uint32 {
	idxs := make([]uint32, 0, len(p.received))
	for _, idx := range p.common.AllIdxs {
		if _, ok := p.received[idx]; ok {
			idxs = append(idxs, idx)
		}
	}
	return idxs
}
