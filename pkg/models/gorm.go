package models

// ModelsToAutoMigrate lists every model in FK dependency order.
func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&Source{},
		&Subscription{},
		&Run{},
		&OutboxEntry{},
		&Artifact{},
		&Document{},
		&DocumentVersion{},
		&DeliveryEvent{},
	}
}
