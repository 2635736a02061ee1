// Package mysql 将流水线运行记录写入 MySQL，启动时执行内嵌的迁移脚本。
package mysql
