package services

import (
	"context"
	"errors"
	"testing"
)

func TestInventoryReserveAndRelease(t *testing.T) {
	svc := NewMemoryInventoryService()
	svc.SetStock("prod-1", 10)

	reservation, err := svc.ReserveInventory(context.Background(), "prod-1", 4)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reservation.Quantity != 4 || reservation.ProductID != "prod-1" {
		t.Fatalf("unexpected reservation: %+v", reservation)
	}
	if got := svc.Reserved("prod-1"); got != 4 {
		t.Fatalf("expected 4 reserved, got %d", got)
	}

	if _, err := svc.ReserveInventory(context.Background(), "prod-1", 7); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	if err := svc.ReleaseInventory(context.Background(), reservation.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if got := svc.Reserved("prod-1"); got != 0 {
		t.Fatalf("expected 0 reserved after release, got %d", got)
	}
	if err := svc.ReleaseInventory(context.Background(), reservation.ID); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected reservation not found, got %v", err)
	}
}

func TestInventoryUntrackedProductIsUnlimited(t *testing.T) {
	svc := NewMemoryInventoryService()
	if _, err := svc.ReserveInventory(context.Background(), "anything", 1000); err != nil {
		t.Fatalf("untracked product should reserve freely: %v", err)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	svc := NewMemoryPaymentService()
	seeded := svc.CreatePayment("order-1", 99.50)

	payment, err := svc.ProcessPayment(context.Background(), seeded.ID)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if payment.Status != PaymentStatusCompleted || payment.TransactionID == "" {
		t.Fatalf("unexpected payment after process: %+v", payment)
	}

	refund, err := svc.RefundPayment(context.Background(), seeded.ID, 99.50)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if current, _ := svc.Payment(seeded.ID); current.Status != PaymentStatusRefunded {
		t.Fatalf("expected refunded status, got %s", current.Status)
	}

	if _, err := svc.RefundPayment(context.Background(), seeded.ID, 99.50); err == nil {
		t.Fatal("refunding a refunded payment should fail")
	}

	restored, err := svc.RechargePayment(context.Background(), refund.ID, 99.50)
	if err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	if restored.Status != PaymentStatusCompleted {
		t.Fatalf("expected completed after recharge, got %s", restored.Status)
	}
	if _, err := svc.RechargePayment(context.Background(), refund.ID, 99.50); !errors.Is(err, ErrRefundNotFound) {
		t.Fatalf("expected refund not found on second recharge, got %v", err)
	}
}

func TestOrderStatusUpdateAndDelete(t *testing.T) {
	svc := NewMemoryOrderService()
	order, err := svc.CreateOrder(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if order.Status != OrderStatusPending {
		t.Fatalf("new orders must be pending, got %s", order.Status)
	}

	updated, err := svc.UpdateOrderStatus(context.Background(), order.ID, OrderStatusCancelled)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}

	if err := svc.DeleteOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestScriptedFailures(t *testing.T) {
	svc := NewMemoryUserService()
	svc.AddUser(User{ID: "user-1", Name: "Ada", Email: "ada@example.com"})

	boom := errors.New("user directory offline")
	svc.SetFailure("get_user", boom)
	if _, err := svc.GetUser(context.Background(), "user-1"); !errors.Is(err, boom) {
		t.Fatalf("expected scripted failure, got %v", err)
	}

	svc.SetFailure("get_user", nil)
	if _, err := svc.GetUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("expected success after clearing fault: %v", err)
	}
	if got := svc.Calls("get_user"); got != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", got)
	}
}
