package order

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/notification"
	"github.com/vetrx/fulfillment/internal/domain/subscription"
)

// notifyCreated sends the post-creation notifications and returns the
// pharmacy confirmation status. Delivery failures never fail the order.
func (s *Service) notifyCreated(ctx context.Context, o *Order, sub *subscription.Subscription, client *directory.Client) string {
	confirmation := notification.StatusSkipped
	if o.PharmacyID != nil {
		confirmation = notification.StatusFailed
		pharmacy, err := s.Directory.Pharmacy(ctx, *o.PharmacyID)
		if err != nil {
			s.Metrics.NotificationFailed(string(notification.KindOrderPharmacy))
			s.logger.Warn("pharmacy lookup for notification failed",
				zap.String("pharmacy_id", *o.PharmacyID),
				zap.Error(err))
		} else if s.dispatch(ctx, o, pharmacyOrderMessage(pharmacy, o.OrderNumber)) {
			confirmation = notification.StatusSent
		}
	}

	s.dispatch(ctx, o, clientOrderMessage(client, o.OrderNumber))
	if sub != nil {
		s.dispatch(ctx, o, subscriptionStartedMessage(client, o.ShippingDate))
	}
	return confirmation
}

func (s *Service) notifyShipped(ctx context.Context, o *Order) {
	client, err := s.Directory.Client(ctx, o.ClientID)
	if err != nil {
		s.Metrics.NotificationFailed(string(notification.KindShippingClient))
		s.logger.Warn("client lookup for shipment notification failed",
			zap.String("order_id", o.ID),
			zap.Error(err))
		return
	}
	s.dispatch(ctx, o, shippingMessage(client, o.OrderNumber, o.TrackingNumber))
}

func (s *Service) dispatch(ctx context.Context, o *Order, msg *notification.Message) bool {
	if s.Notifier == nil {
		return false
	}
	res, err := s.Notifier.Send(ctx, msg)
	if err == nil && res.Delivered() {
		return true
	}
	s.Metrics.NotificationFailed(string(msg.Kind))
	fields := []zap.Field{
		zap.String("kind", string(msg.Kind)),
		zap.String("order_id", o.ID),
		zap.Int64("order_number", o.OrderNumber),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if res != nil {
		fields = append(fields, zap.String("email", res.Email), zap.String("sms", res.SMS))
	}
	s.logger.Warn("notification not delivered", fields...)
	return false
}

func clientRecipient(c *directory.Client) notification.Recipient {
	return notification.Recipient{Name: c.FullName(), Email: c.Email, Phone: c.CellPhone}
}

func clientOrderMessage(c *directory.Client, orderNumber int64) *notification.Message {
	name := c.FullName()
	return &notification.Message{
		Kind:      notification.KindOrderClient,
		Recipient: clientRecipient(c),
		Subject:   "Order confirmation",
		Substitutions: map[string]string{
			"{name}":  name,
			"{order}": strconv.FormatInt(orderNumber, 10),
		},
		SMSText: fmt.Sprintf("Dear %s, you have a new order no%d. For more details, log in.", name, orderNumber),
	}
}

func pharmacyOrderMessage(p *directory.Pharmacy, orderNumber int64) *notification.Message {
	return &notification.Message{
		Kind:      notification.KindOrderPharmacy,
		Recipient: notification.Recipient{Name: p.Name, Email: p.Email, Phone: p.Phone},
		Subject:   "New order received",
		Substitutions: map[string]string{
			"{name}":     p.Name,
			"{order_no}": strconv.FormatInt(orderNumber, 10),
		},
		SMSText: fmt.Sprintf("Dear %s, you have a new order no%d. For more details, log in.", p.Name, orderNumber),
	}
}

func subscriptionStartedMessage(c *directory.Client, shippingDate time.Time) *notification.Message {
	return &notification.Message{
		Kind:      notification.KindSubscriptionClient,
		Recipient: clientRecipient(c),
		Subject:   "Your auto fulfillment program has started",
		Substitutions: map[string]string{
			"{order_date}": shippingDate.Format(time.DateOnly),
		},
		SMSText: "Your first care plan order is being processed! Log in to your account for details.",
	}
}

func shippingMessage(c *directory.Client, orderNumber int64, tracking string) *notification.Message {
	name := c.FullName()
	return &notification.Message{
		Kind:      notification.KindShippingClient,
		Recipient: clientRecipient(c),
		Subject:   "Your box has shipped",
		Substitutions: map[string]string{
			"{name}":     name,
			"{order_no}": strconv.FormatInt(orderNumber, 10),
			"{tracking}": tracking,
		},
		SMSText: fmt.Sprintf("Hello %s, your box for order no%d has been shipped! Log in to track your order.", name, orderNumber),
	}
}
