package main

import "github.com/Zereker/netframe"

// chatMessage is one line of chat. The server fills in From with the
// sender's connection id before relaying it.
type chatMessage struct {
	From int32
	Nick string
	Text string
}

func (*chatMessage) Name() string { return "ChatMessage" }

func (m *chatMessage) Write(w *netframe.Writer) {
	w.WriteInt32(m.From)
	w.WriteString(m.Nick)
	w.WriteString(m.Text)
}

func (m *chatMessage) Read(r *netframe.Reader) error {
	m.From = r.ReadInt32()
	m.Nick = r.ReadString()
	m.Text = r.ReadString()
	return r.Err()
}

func newRegistry() *netframe.Registry {
	return netframe.NewRegistry().MustRegister(
		func() netframe.Message { return &chatMessage{} },
	)
}
