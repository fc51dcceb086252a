package voip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChannelName(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		invalid bool
	}{
		{"general", "#general", false},
		{"#general", "#general", false},
		{"##general", "#general", false},
		{"  #dev_ops ", "#dev_ops", false},
		{"#bad-name", "#bad-name", true},
		{"#", "#", true},
		{"", "#", true},
		{"#two words", "#two words", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeChannelName(tt.raw)
			assert.Equal(t, tt.want, got)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidChannelName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsChannelTarget(t *testing.T) {
	assert.True(t, IsChannelTarget("#general"))
	assert.True(t, IsChannelTarget("$server"))
	assert.False(t, IsChannelTarget("bob"))
	assert.False(t, IsChannelTarget(""))
}

func TestJoinPartKeepsBothSidesInStep(t *testing.T) {
	r := NewChannelRegistry()
	a, b := bareSession(), bareSession()

	view, err := r.Join(a, "#general")
	require.NoError(t, err)
	assert.Equal(t, []*Session{a}, view.Members)

	view, err = r.Join(b, "#General")
	require.NoError(t, err)
	assert.Equal(t, "#general", view.Name, "first spelling wins")
	assert.Equal(t, []*Session{a, b}, view.Members)

	_, err = r.Join(a, "#general")
	assert.ErrorIs(t, err, ErrAlreadyOnChannel)

	assert.True(t, r.IsMember(a, "#GENERAL"))
	assert.Equal(t, []string{"#general"}, r.ChannelsOf(b))

	view, err = r.Part(a, "#general")
	require.NoError(t, err)
	assert.Equal(t, []*Session{a, b}, view.Members, "view is taken before removal")

	assert.False(t, r.IsMember(a, "#general"))
	assert.Empty(t, r.ChannelsOf(a))
	current, ok := r.View("#general")
	require.True(t, ok)
	assert.Equal(t, []*Session{b}, current.Members)

	_, err = r.Part(a, "#general")
	assert.ErrorIs(t, err, ErrNotOnChannel)
	_, err = r.Part(a, "#nowhere")
	assert.ErrorIs(t, err, ErrNoSuchChannel)
}

func TestJoinRejectsInvalidName(t *testing.T) {
	r := NewChannelRegistry()

	_, err := r.Join(bareSession(), "general")
	assert.ErrorIs(t, err, ErrInvalidChannelName)
	assert.Equal(t, 0, r.Len())
}

func TestEmptyChannelsRemain(t *testing.T) {
	r := NewChannelRegistry()
	s := bareSession()

	_, err := r.Join(s, "#general")
	require.NoError(t, err)
	_, err = r.Part(s, "#general")
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []ChannelInfo{{Name: "#general"}}, r.List())
}

func TestPartAll(t *testing.T) {
	r := NewChannelRegistry()
	a, b := bareSession(), bareSession()

	for _, name := range []string{"#zoo", "#bamboo"} {
		_, err := r.Join(a, name)
		require.NoError(t, err)
	}
	_, err := r.Join(b, "#zoo")
	require.NoError(t, err)

	views := r.PartAll(a)
	require.Len(t, views, 2)
	assert.Equal(t, "#bamboo", views[0].Name)
	assert.Equal(t, "#zoo", views[1].Name)
	assert.Equal(t, []*Session{a, b}, views[1].Members)

	assert.Empty(t, r.ChannelsOf(a))
	zoo, _ := r.View("#zoo")
	assert.Equal(t, []*Session{b}, zoo.Members)
	assert.Empty(t, r.PartAll(a))
}

func TestPeers(t *testing.T) {
	r := NewChannelRegistry()
	a, b, c, d := bareSession(), bareSession(), bareSession(), bareSession()

	mustJoin := func(s *Session, name string) {
		_, err := r.Join(s, name)
		require.NoError(t, err)
	}
	mustJoin(c, "#one")
	mustJoin(a, "#one")
	mustJoin(b, "#two")
	mustJoin(a, "#two")
	mustJoin(c, "#two")
	mustJoin(d, "#three")

	assert.Equal(t, []*Session{c, b}, r.Peers(a))
	assert.Empty(t, r.Peers(d))
}

func TestSetTopic(t *testing.T) {
	r := NewChannelRegistry()
	a, outsider := bareSession(), bareSession()
	_, err := r.Join(a, "#general")
	require.NoError(t, err)

	_, err = r.SetTopic(outsider, "#general", "nope", "mallory")
	assert.ErrorIs(t, err, ErrNotOnChannel)
	_, err = r.SetTopic(a, "#nowhere", "hi", "alice")
	assert.ErrorIs(t, err, ErrNoSuchChannel)

	view, err := r.SetTopic(a, "#GENERAL", "hello", "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello", view.Topic)
	assert.Equal(t, "alice", view.TopicBy)

	assert.Equal(t, []ChannelInfo{{Name: "#general", Topic: "hello", TopicBy: "alice", Members: 1}}, r.List())
}
