package sighandlers

import "testing"

func TestNewFromHostSkipsKillAndStop(t *testing.T) {
	tb := NewFromHost()
	if !tb.IsDefault(9) { // SIGKILL reserved, untouched by query loop
		t.Fatal("expected SIGKILL entry left at the zero value (default)")
	}
	if !tb.IsDefault(19) { // SIGSTOP
		t.Fatal("expected SIGSTOP entry left at the zero value (default)")
	}
}

func TestActionDisposition(t *testing.T) {
	cases := []struct {
		name   string
		action Action
		want   Disposition
	}{
		{"default", Action{Handler: 0}, DispositionDefault},
		{"ignore", Action{Handler: 1}, DispositionIgnore},
		{"user", Action{Handler: 0x400500}, DispositionUserHandler},
	}
	for _, c := range cases {
		if got := c.action.disposition(); got != c.want {
			t.Errorf("%s: disposition() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	tb := &Table{t: &table{}}
	tb.Set(5, Action{Handler: 0x401000, Flags: 0x4})
	got := tb.Get(5)
	if got.Handler != 0x401000 || got.Flags != 0x4 {
		t.Fatalf("Get(5) = %+v", got)
	}
	if !tb.IsUserHandler(5) {
		t.Fatal("expected sig 5 to report a user handler")
	}
}

func TestCloneSharedAliasesBackingTable(t *testing.T) {
	tb := &Table{t: &table{}}
	shared := tb.Clone(true)
	shared.Set(7, Action{Handler: 0x402000})
	if !tb.IsUserHandler(7) {
		t.Fatal("expected a shared clone's writes to be visible through the original handle")
	}
}

func TestCloneCopyIsIndependent(t *testing.T) {
	tb := &Table{t: &table{}}
	tb.Set(7, Action{Handler: 0x402000})
	cp := tb.Clone(false)
	cp.Set(7, Action{Handler: 0})
	if !tb.IsUserHandler(7) {
		t.Fatal("expected the original to be unaffected by a copy's writes")
	}
	if !cp.IsDefault(7) {
		t.Fatal("expected the copy to reflect its own write")
	}
}

func TestResetUserHandlersLeavesIgnoreAndDefaultAlone(t *testing.T) {
	tb := &Table{t: &table{}}
	tb.Set(2, Action{Handler: 1})        // SIG_IGN
	tb.Set(3, Action{Handler: 0x403000}) // user handler
	tb.ResetUserHandlers()

	if !tb.IsIgnored(2) {
		t.Fatal("expected an ignored signal to survive ResetUserHandlers")
	}
	if !tb.IsDefault(3) {
		t.Fatal("expected a user handler to be reset to default")
	}
}

func TestDeliveryCompleteAppliesResetHand(t *testing.T) {
	const saResethand = 0x80000000
	tb := &Table{t: &table{}}
	tb.Set(10, Action{Handler: 0x404000, Flags: saResethand})
	tb.DeliveryComplete(10)
	if !tb.IsDefault(10) {
		t.Fatal("expected SA_RESETHAND delivery to reset the entry to default")
	}
}

func TestDeliveryCompleteWithoutResetHandIsNoop(t *testing.T) {
	tb := &Table{t: &table{}}
	tb.Set(10, Action{Handler: 0x404000})
	tb.DeliveryComplete(10)
	if !tb.IsUserHandler(10) {
		t.Fatal("expected an entry without SA_RESETHAND to survive DeliveryComplete")
	}
}
