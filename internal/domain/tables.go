package domain

var Tables = []interface{}{
	// System
	&SysLog{},
	// Tenancy
	&Tenant{},
	&Device{},
	&WaSession{},
	&PublicQrLink{},
	// Delivery
	&WebhookEndpoint{},
	&Event{},
	&WebhookDelivery{},
	&OutboundMessage{},
}
