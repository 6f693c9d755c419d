package bridge

import "testing"

func TestValidateCommandBodyRequired(t *testing.T) {
	cmd := Command{ID: "id", Type: CmdSeek}
	if err := ValidateCommand(cmd); err == nil {
		t.Fatalf("expected body error")
	}

	cmd, err := NewCommand(CmdSeek, SeekBody{PositionMS: 1500})
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	cmd.ID = "id"
	if err := ValidateCommand(cmd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCommandMissingFields(t *testing.T) {
	if err := ValidateCommand(Command{}); err == nil {
		t.Fatalf("expected error")
	}
	if err := ValidateCommand(Command{ID: "x", Type: CmdPlay}); err != nil {
		t.Fatalf("play needs no body: %v", err)
	}
}

func TestTopics(t *testing.T) {
	if got := TopicCommands(BaseTopic, "dev1"); got != "avbridge/v1/renderer/dev1/cmd" {
		t.Fatalf("commands topic %q", got)
	}
	if got := TopicAcks(BaseTopic, "dev1"); got != "avbridge/v1/renderer/dev1/ack" {
		t.Fatalf("acks topic %q", got)
	}
	if got := TopicPresence("x", "d"); got != "x/renderer/d/presence" {
		t.Fatalf("presence topic %q", got)
	}
	if got := TopicPresenceAll("x"); got != "x/renderer/+/presence" {
		t.Fatalf("presence wildcard %q", got)
	}
	if got := TopicReply(BaseTopic, "ctl-1"); got != "avbridge/v1/reply/ctl-1" {
		t.Fatalf("reply topic %q", got)
	}
}
