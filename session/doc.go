// Package session drives a single ceremony from the first peer message or
// local request to its outcome.
//
// A [Runner] is created per ceremony id, either by a local request or by
// the first peer message for an id the node has not requested yet. Until
// it is requested (authorised) it only buffers first-stage messages, one
// per sender. Once authorised it initialises the first stage, sends its
// messages and feeds peer messages to the current stage:
//
//	r := session.New[*keygen.ResultInfo](cfg)
//	go func() { out, err := r.Run(ctx); ... }()
//	_ = r.Authorise(session.Request[*keygen.ResultInfo]{Stage: first, Mapping: mapping})
//	r.Deliver(ctx, session.Message{Sender: peer, Stage: 1, Payload: data})
//
// A stage is finalised as soon as every expected message has arrived, or
// when its deadline passes. Every new stage extends the deadline by the
// maximum stage duration; it is never reset. Messages for the stage after
// the current one are held back and replayed once that stage starts.
//
// A Runner is used exactly once: Run returns after the single terminal
// outcome and a second Authorise fails.
package session
