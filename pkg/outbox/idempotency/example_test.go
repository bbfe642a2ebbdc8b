package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func ExampleManager_Claim() {
	ctx := context.Background()
	manager, _ := NewManager(newMemStore(), 7*24*time.Hour, 30*time.Second)
	eventID := uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")

	state, _ := manager.Claim(ctx, "outbox-publisher", eventID)
	fmt.Println(state)
	_ = manager.Confirm(ctx, "outbox-publisher", eventID)

	state, _ = manager.Claim(ctx, "outbox-publisher", eventID)
	fmt.Println(state)
	// Output:
	// claimed
	// delivered
}
