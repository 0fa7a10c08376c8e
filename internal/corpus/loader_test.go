package corpus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader_AddAndGet(t *testing.T) {
	l := NewLoader()
	l.Add(EndpointDoc{Service: "slack", Path: "chat.postMessage", Description: "Send a message to a channel"})

	doc := l.Get("slack", "chat.postMessage")
	require.NotNil(t, doc)
	require.Equal(t, "Send a message to a channel", doc.Description)

	require.Nil(t, l.Get("slack", "missing"))
}

func TestLoader_All_SortedByID(t *testing.T) {
	l := NewLoader()
	l.Add(EndpointDoc{Service: "gmail", Path: "send"})
	l.Add(EndpointDoc{Service: "slack", Path: "chat.postMessage"})

	docs := l.All()
	require.Len(t, docs, 2)
	require.Equal(t, "gmail.send", docs[0].ID())
	require.Equal(t, "slack.chat.postMessage", docs[1].ID())
}

func TestLoadDocsFromReader(t *testing.T) {
	r := strings.NewReader(`[{"service":"slack","path":"chat.postMessage","method":"POST","description":"Send a message","params":[{"name":"channel","required":true},{"name":"text"}],"response":["ok","ts"],"auth":"bearer"}]`)
	docs, err := LoadDocsFromReader(r)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "slack", docs[0].Service)
	require.Equal(t, []string{"channel", "text"}, docs[0].ParamNames())
	require.True(t, docs[0].Params[0].Required)
	require.Equal(t, []string{"ok", "ts"}, docs[0].Response)
	require.Equal(t, "bearer", docs[0].Auth)
}

func TestEndpointDoc_EmbeddingText(t *testing.T) {
	d := EndpointDoc{Service: "slack", Path: "chat.postMessage", Description: "Send a message"}
	require.Equal(t, "slack chat.postMessage Send a message", d.EmbeddingText())
}

func TestLoader_Add_Overwrites(t *testing.T) {
	l := NewLoader()
	l.Add(EndpointDoc{Service: "slack", Path: "chat.postMessage", Description: "v1"})
	l.Add(EndpointDoc{Service: "slack", Path: "chat.postMessage", Description: "v2"})
	require.Equal(t, 1, l.Len())
	require.Equal(t, "v2", l.Get("slack", "chat.postMessage").Description)
}
