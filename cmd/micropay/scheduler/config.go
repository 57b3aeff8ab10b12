package main

import (
	"github.com/web5fans/micro-pay/common"
)

func GetConfigure() (*common.CoreConfig, error) {
	return common.ReadConfig(common.ConfigName())
}
